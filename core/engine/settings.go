package engine

import (
	"time"

	"github.com/davidahmann/portero/core/config"
)

// Settings bounds every wait the engine performs.
type Settings struct {
	ConfidenceThreshold float64
	PlateDeadline       time.Duration
	DocumentDeadline    time.Duration
	LookupDeadline      time.Duration
	NotifyDeadline      time.Duration
	DefaultMaxWait      time.Duration
	CallCeiling         time.Duration
	ActuationTimeout    time.Duration
	LogTimeout          time.Duration
	SaveTimeout         time.Duration
	IntakeWait          time.Duration
	// AwaitSlack is how long past the reply deadline the engine tolerates
	// a notifier that has not returned yet.
	AwaitSlack time.Duration
	Replies    config.Replies
}

func DefaultSettings() Settings {
	settings, err := SettingsFromConfig(config.Default())
	if err != nil {
		panic(err)
	}
	return settings
}

type durationField struct {
	name   string
	value  string
	target *time.Duration
}

// SettingsFromConfig converts the engine section of a loaded config.
func SettingsFromConfig(cfg config.Config) (Settings, error) {
	engine := cfg.Engine
	var settings Settings
	fields := []durationField{
		{"engine.plate_deadline", engine.PlateDeadline, &settings.PlateDeadline},
		{"engine.document_deadline", engine.DocumentDeadline, &settings.DocumentDeadline},
		{"engine.lookup_deadline", engine.LookupDeadline, &settings.LookupDeadline},
		{"engine.notify_deadline", engine.NotifyDeadline, &settings.NotifyDeadline},
		{"engine.default_max_wait", engine.DefaultMaxWait, &settings.DefaultMaxWait},
		{"engine.call_ceiling", engine.CallCeiling, &settings.CallCeiling},
		{"engine.actuation_timeout", engine.ActuationTimeout, &settings.ActuationTimeout},
		{"engine.log_timeout", engine.LogTimeout, &settings.LogTimeout},
		{"engine.save_timeout", engine.SaveTimeout, &settings.SaveTimeout},
		{"engine.intake_wait", engine.IntakeWait, &settings.IntakeWait},
	}
	for _, field := range fields {
		parsed, err := config.ParseDuration(field.name, field.value)
		if err != nil {
			return Settings{}, err
		}
		*field.target = parsed
	}
	settings.ConfidenceThreshold = engine.ConfidenceThreshold
	settings.AwaitSlack = 250 * time.Millisecond
	settings.Replies = cfg.Replies
	return settings, nil
}
