package config

import (
	"time"

	"mppt-controller/pkg/mppt"
)

// Source and sink kinds.
const (
	SourceTrace  = "trace"
	SourceMQTT   = "mqtt"
	SourcePMBus  = "pmbus"
	SourceSerial = "serial"

	SinkDiscard = "discard"
	SinkSerial  = "serial"
	SinkMQTT    = "mqtt"

	StartContinuous = "continuous"
	StartManual     = "manual"
)

// ControllerConfig is the typed daemon configuration.
type ControllerConfig struct {
	Controller mppt.Options

	TickPeriod       time.Duration
	StartPolicy      string
	MaxMissedSamples int

	SourceType string
	SinkType   string

	Trace  TraceConfig
	MQTT   MQTTConfig
	PMBus  PMBusConfig
	Serial SerialConfig
	Kafka  KafkaConfig
	API     APIConfig
	Metrics MetricsConfig
	Log     LogConfig
}

// TraceConfig is the [trace] section.
type TraceConfig struct {
	Path string
	Loop bool
}

// MQTTConfig is the [mqtt] section.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	SampleTopic string
	DutyTopic   string
	QoS         byte
}

// PMBusConfig is the [pmbus] section. The scales multiply the decoded
// READ_VIN/READ_IIN values, e.g. to undo an external divider.
type PMBusConfig struct {
	Bus      string
	Address  uint16
	VinScale float64
	IinScale float64
}

// SerialConfig is the [serial] section.
type SerialConfig struct {
	Device string
	Baud   int
}

// KafkaConfig is the [kafka] section. Telemetry is disabled when the
// section is absent.
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	Topic         string
	DecisionsOnly bool
}

// APIConfig is the [api] section.
type APIConfig struct {
	Listen string
}

// MetricsConfig is the [metrics] section. The API always serves
// /metrics; Listen additionally starts a standalone exporter.
type MetricsConfig struct {
	Listen   string
	Username string
	Password string
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level  string
	Format string
}

// ParseControllerConfig loads path and builds a ControllerConfig from it.
func ParseControllerConfig(path string) (*ControllerConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cc, err := FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		return nil, err
	}
	return cc, nil
}

// FromConfig builds a ControllerConfig from parsed sections, applying
// defaults for everything optional.
func FromConfig(cfg *Config) (*ControllerConfig, error) {
	cc := &ControllerConfig{}
	if err := cc.readMPPT(cfg.GetSectionOrEmpty("mppt")); err != nil {
		return nil, err
	}

	var err error
	src := cfg.GetSectionOrEmpty("source")
	cc.SourceType, err = src.GetChoice("type", []string{SourceTrace, SourceMQTT, SourcePMBus, SourceSerial}, SourceTrace)
	if err != nil {
		return nil, err
	}
	sink := cfg.GetSectionOrEmpty("sink")
	cc.SinkType, err = sink.GetChoice("type", []string{SinkDiscard, SinkSerial, SinkMQTT}, SinkDiscard)
	if err != nil {
		return nil, err
	}

	uses := func(kind string) bool { return cc.SourceType == kind || cc.SinkType == kind }

	if cc.SourceType == SourceTrace {
		if err := cc.readTrace(cfg); err != nil {
			return nil, err
		}
	}
	if uses(SourceMQTT) {
		if err := cc.readMQTT(cfg); err != nil {
			return nil, err
		}
	}
	if cc.SourceType == SourcePMBus {
		if err := cc.readPMBus(cfg); err != nil {
			return nil, err
		}
	}
	if uses(SourceSerial) {
		if err := cc.readSerial(cfg); err != nil {
			return nil, err
		}
	}
	if sec := cfg.GetSectionOptional("kafka"); sec != nil {
		if err := cc.readKafka(sec); err != nil {
			return nil, err
		}
	}

	api := cfg.GetSectionOrEmpty("api")
	if cc.API.Listen, err = api.Get("listen", ":7130"); err != nil {
		return nil, err
	}

	met := cfg.GetSectionOrEmpty("metrics")
	if cc.Metrics.Listen, err = met.Get("listen", ""); err != nil {
		return nil, err
	}
	if cc.Metrics.Username, err = met.Get("username", ""); err != nil {
		return nil, err
	}
	if cc.Metrics.Password, err = met.Get("password", ""); err != nil {
		return nil, err
	}
	if (cc.Metrics.Username == "") != (cc.Metrics.Password == "") {
		return nil, NewConfigError("metrics", "password", "username and password must be set together")
	}

	lg := cfg.GetSectionOrEmpty("log")
	if cc.Log.Level, err = lg.GetChoice("level", []string{"debug", "info", "warn", "error"}, "info"); err != nil {
		return nil, err
	}
	if cc.Log.Format, err = lg.GetChoice("format", []string{"text", "json"}, "text"); err != nil {
		return nil, err
	}
	return cc, nil
}

func (cc *ControllerConfig) readMPPT(sec *Section) error {
	arith, err := sec.GetChoice("arithmetic", []string{"legacy", "signed"}, "legacy")
	if err != nil {
		return err
	}
	trig, err := sec.GetChoice("trigger", []string{"level", "edge"}, "level")
	if err != nil {
		return err
	}
	// Both parses are infallible after GetChoice.
	cc.Controller.Arithmetic, _ = mppt.ParseArithmetic(arith)
	cc.Controller.Trigger, _ = mppt.ParseTrigger(trig)

	if cc.TickPeriod, err = sec.GetDuration("tick_period", 10*time.Millisecond); err != nil {
		return err
	}
	if cc.StartPolicy, err = sec.GetChoice("start", []string{StartContinuous, StartManual}, StartContinuous); err != nil {
		return err
	}
	one := 1
	cc.MaxMissedSamples, err = sec.GetIntWithBounds("max_missed_samples", &one, nil, 5)
	return err
}

func (cc *ControllerConfig) readTrace(cfg *Config) error {
	sec, err := cfg.GetSection("trace")
	if err != nil {
		return err
	}
	if cc.Trace.Path, err = sec.Get("path"); err != nil {
		return err
	}
	cc.Trace.Loop, err = sec.GetBoolean("loop", false)
	return err
}

func (cc *ControllerConfig) readMQTT(cfg *Config) error {
	sec, err := cfg.GetSection("mqtt")
	if err != nil {
		return err
	}
	if cc.MQTT.Broker, err = sec.Get("broker"); err != nil {
		return err
	}
	if cc.MQTT.ClientID, err = sec.Get("client_id", "mppt-controller"); err != nil {
		return err
	}
	if cc.MQTT.SampleTopic, err = sec.Get("sample_topic", "mppt/sample"); err != nil {
		return err
	}
	if cc.MQTT.DutyTopic, err = sec.Get("duty_topic", "mppt/duty"); err != nil {
		return err
	}
	zero, two := 0, 2
	qos, err := sec.GetIntWithBounds("qos", &zero, &two, 0)
	if err != nil {
		return err
	}
	cc.MQTT.QoS = byte(qos)
	return nil
}

func (cc *ControllerConfig) readPMBus(cfg *Config) error {
	sec, err := cfg.GetSection("pmbus")
	if err != nil {
		return err
	}
	if cc.PMBus.Bus, err = sec.Get("bus", ""); err != nil {
		return err
	}
	lo, hi := 0x03, 0x77
	addr, err := sec.GetIntWithBounds("address", &lo, &hi)
	if err != nil {
		return err
	}
	cc.PMBus.Address = uint16(addr)
	zero := 0.0
	if cc.PMBus.VinScale, err = sec.GetFloatWithBounds("vin_scale", FloatBounds{Above: &zero}, 1.0); err != nil {
		return err
	}
	cc.PMBus.IinScale, err = sec.GetFloatWithBounds("iin_scale", FloatBounds{Above: &zero}, 1.0)
	return err
}

func (cc *ControllerConfig) readSerial(cfg *Config) error {
	sec, err := cfg.GetSection("serial")
	if err != nil {
		return err
	}
	if cc.Serial.Device, err = sec.Get("device"); err != nil {
		return err
	}
	one := 1
	cc.Serial.Baud, err = sec.GetIntWithBounds("baud", &one, nil, 115200)
	return err
}

func (cc *ControllerConfig) readKafka(sec *Section) error {
	var err error
	cc.Kafka.Enabled = true
	if cc.Kafka.Brokers, err = sec.GetList("brokers", ","); err != nil {
		return err
	}
	if len(cc.Kafka.Brokers) == 0 {
		return NewConfigError(sec.GetName(), "brokers", "at least one broker is required")
	}
	if cc.Kafka.Topic, err = sec.Get("topic", "mppt.decisions"); err != nil {
		return err
	}
	cc.Kafka.DecisionsOnly, err = sec.GetBoolean("decisions_only", true)
	return err
}
