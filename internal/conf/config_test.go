package conf

/*
 Copyright 2019 - 2025 Crunchy Data Solutions, Inc.
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at
      http://www.apache.org/licenses/LICENSE-2.0
 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/spf13/viper"
)

// TestDatabaseDSNEnvironmentVariable tests that the DSN can be set via environment variable
func TestDatabaseDSNEnvironmentVariable(t *testing.T) {
	defer clearConfigEnvVars()

	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "Relative file path", envValue: "./data/world.duckdb", expected: "./data/world.duckdb"},
		{name: "In-memory", envValue: ":memory:", expected: ":memory:"},
		{name: "Not set falls back to default", envValue: "", expected: "impostors.duckdb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnvVars()
			if tt.envValue != "" {
				os.Setenv("IMPOSTOR_DATABASE_DSN", tt.envValue)
			}
			viper.Reset()
			InitConfig("", false)
			equals(t, tt.expected, Configuration.Database.DSN, "Database.DSN")
			clearConfigEnvVars()
		})
	}
}

// TestConfigFileOverriddenByEnvironment tests that environment variables take precedence over config file
func TestConfigFileOverriddenByEnvironment(t *testing.T) {
	clearConfigEnvVars()
	defer clearConfigEnvVars()

	configContent := `
[database]
dsn = "file_db.duckdb"
maxopenconns = 7
`
	tempDir, err := os.MkdirTemp("", "impostorpipeline_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	configFile := filepath.Join(tempDir, "test_config.toml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("IMPOSTOR_DATABASE_DSN", "env_db.duckdb")
	defer os.Unsetenv("IMPOSTOR_DATABASE_DSN")

	viper.Reset()
	InitConfig(configFile, false)

	equals(t, "env_db.duckdb", Configuration.Database.DSN, "Database.DSN from env")
	equals(t, 7, Configuration.Database.MaxOpenConns, "Database.MaxOpenConns from file")
}

// TestConfigFileOnly tests that config file values are used when no environment variables are set
func TestConfigFileOnly(t *testing.T) {
	clearConfigEnvVars()
	defer clearConfigEnvVars()

	configContent := `
[groundtiles]
urlprefix = "https://tiles.example.test/"

[assets]
serverurlprefix = "https://assets.example.test/"
`
	tempDir, err := os.MkdirTemp("", "impostorpipeline_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	configFile := filepath.Join(tempDir, "test_config.toml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	viper.Reset()
	InitConfig(configFile, false)

	equals(t, "https://tiles.example.test/", Configuration.GroundTiles.URLPrefix, "GroundTiles.URLPrefix")
	equals(t, "https://assets.example.test/", Configuration.Assets.ServerURLPrefix, "Assets.ServerURLPrefix")
}

// TestDefaultValues tests that defaults are used when no config file or environment variables are set
func TestDefaultValues(t *testing.T) {
	clearConfigEnvVars()
	defer clearConfigEnvVars()

	viper.Reset()
	InitConfig("", false)

	equals(t, "impostors.duckdb", Configuration.Database.DSN, "Default Database.DSN")
	equals(t, 4, Configuration.Database.MaxOpenConns, "Default Database.MaxOpenConns")
	equals(t, "", Configuration.Assets.ServerURLPrefix, "Default Assets.ServerURLPrefix")
	equals(t, 4096, Configuration.Cache.AssetLookupSize, "Default Cache.AssetLookupSize")
}

// Helper function to clear all configuration-related environment variables
func clearConfigEnvVars() {
	envVars := []string{
		"IMPOSTOR_DATABASE_DSN",
		"IMPOSTOR_DATABASE_MAXOPENCONNS",
		"IMPOSTOR_GROUNDTILES_URLPREFIX",
		"IMPOSTOR_ASSETS_SERVERURLPREFIX",
		"IMPOSTOR_CACHE_ASSETLOOKUPSIZE",
	}

	for _, envVar := range envVars {
		os.Unsetenv(envVar)
	}

	Configuration = Config{}
}

// equals fails the test if exp is not equal to act.
func equals(tb testing.TB, exp, act interface{}, msg string) {
	if !reflect.DeepEqual(exp, act) {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("%s:%d: %s - expected: %#v; got: %#v\n", filepath.Base(file), line, msg, exp, act)
		tb.FailNow()
	}
}
