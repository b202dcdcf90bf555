package config

var Singleton = NewManager()

func AddSource(source Source) {
	Singleton.AddSource(source)
}

func RegisterOption(name, desc string, defaultValue interface{}) *Option {
	return Singleton.RegisterOption(name, desc, defaultValue)
}

func Load() {
	Singleton.Load()
}
