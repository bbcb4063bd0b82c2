package conf

var setVersion string = "0.1.0"

// AppConfiguration is the set of global application configuration constants.
type AppConfiguration struct {
	// Name is the name of the software
	Name string
	// Version is the version number of the software
	Version   string
	EnvPrefix string
}

var AppConfig = AppConfiguration{
	Name:      "impostorpipeline",
	Version:   setVersion,
	EnvPrefix: "IMPOSTOR",
}
