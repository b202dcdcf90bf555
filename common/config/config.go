package config

import (
	"strconv"
	"time"
)

// Source provides values for registered options, for example the process
// environment. Sources added later take precedence.
type Source interface {
	GetValue(key string) interface{}
	Name() string
}

type Option struct {
	Name         string
	Description  string
	DefaultValue interface{}
	LoadedValue  interface{}

	manager *Manager
	source  Source
}

func (opt *Option) LoadValue() {
	newVal := opt.DefaultValue
	opt.source = nil

	for i := len(opt.manager.sources) - 1; i >= 0; i-- {
		source := opt.manager.sources[i]

		v := source.GetValue(opt.Name)
		if v != nil {
			newVal = v
			opt.source = source
			break
		}
	}

	// parse ahead of time so Get* never has to deal with raw strings
	if opt.DefaultValue != nil {
		switch opt.DefaultValue.(type) {
		case int:
			newVal = interface{}(intVal(newVal))
		case bool:
			newVal = interface{}(boolVal(newVal))
		}
	}

	opt.LoadedValue = newVal
}

func (opt *Option) GetString() string {
	return strVal(opt.LoadedValue)
}

func (opt *Option) GetInt() int {
	return intVal(opt.LoadedValue)
}

func (opt *Option) GetBool() bool {
	return boolVal(opt.LoadedValue)
}

// GetDuration interprets int values as seconds and string values using
// time.ParseDuration.
func (opt *Option) GetDuration() time.Duration {
	switch t := opt.LoadedValue.(type) {
	case int:
		return time.Second * time.Duration(t)
	case string:
		d, err := time.ParseDuration(t)
		if err == nil {
			return d
		}
	}

	return 0
}

type Manager struct {
	sources []Source
	Options map[string]*Option
}

func NewManager() *Manager {
	return &Manager{
		Options: make(map[string]*Option),
	}
}

func (m *Manager) AddSource(source Source) {
	m.sources = append(m.sources, source)
}

func (m *Manager) RegisterOption(name, desc string, defaultValue interface{}) *Option {
	opt := &Option{
		Name:         name,
		Description:  desc,
		DefaultValue: defaultValue,
		manager:      m,
	}

	m.Options[name] = opt
	return opt
}

func (m *Manager) Load() {
	for _, v := range m.Options {
		v.LoadValue()
	}
}

func strVal(i interface{}) string {
	switch t := i.(type) {
	case string:
		return t
	case int:
		return strconv.FormatInt(int64(t), 10)
	}

	return ""
}

func intVal(i interface{}) int {
	switch t := i.(type) {
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return int(n)
	case int:
		return t
	}

	return 0
}

func boolVal(i interface{}) bool {
	switch t := i.(type) {
	case string:
		lowered := t
		return lowered == "true" || lowered == "yes" || lowered == "on" || lowered == "enabled" || lowered == "1"
	case bool:
		return t
	case int:
		return t > 0
	}

	return false
}
