package config

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section is one [name] block. Every option read through a getter is
// recorded, fallbacks included, so typos surface as unused options.
type Section struct {
	name    string
	options map[string]string

	mu   sync.Mutex
	used map[string]bool
}

func newSection(name string, options map[string]string) *Section {
	s := &Section{
		name:    name,
		options: make(map[string]string, len(options)),
		used:    make(map[string]bool),
	}
	for k, v := range options {
		s.options[strings.ToLower(k)] = v
	}
	return s
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// GetUnusedOptions lists options no getter has asked for.
func (s *Section) GetUnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for opt := range s.options {
		if !s.used[opt] {
			out = append(out, opt)
		}
	}
	return out
}

// HasOption reports whether option is present, without marking it used.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.used[key] = true
	s.mu.Unlock()
	v, ok := s.options[key]
	return strings.TrimSpace(v), ok
}

// read resolves option through parse, falling back to the first
// fallback when the option is absent. kind names the expected type in
// parse errors.
func read[T any](s *Section, option, kind string, parse func(string) (T, error), fallback []T) (T, error) {
	var zero T
	raw, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return zero, ErrMissingOption(s.name, option)
	}
	v, err := parse(raw)
	if err != nil {
		return zero, ErrInvalidValue(s.name, option, raw, kind, err)
	}
	return v, nil
}

// Get returns a string option; without a fallback a missing option is
// an error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return read(s, option, "string", func(v string) (string, error) { return v, nil }, fallback)
}

// GetInt returns an integer option. Hex ("0x40") and octal prefixes are
// accepted.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return read(s, option, "integer", func(v string) (int, error) {
		i, err := strconv.ParseInt(v, 0, 64)
		return int(i), err
	}, fallback)
}

// GetIntWithBounds is GetInt with inclusive limits; nil means unbounded.
func (s *Section) GetIntWithBounds(option string, minVal, maxVal *int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	switch {
	case minVal != nil && v < *minVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have minimum of "+strconv.Itoa(*minVal))
	case maxVal != nil && v > *maxVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have maximum of "+strconv.Itoa(*maxVal))
	}
	return v, nil
}

// GetFloat returns a float option.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return read(s, option, "float", func(v string) (float64, error) {
		return strconv.ParseFloat(v, 64)
	}, fallback)
}

// FloatBounds limits GetFloatWithBounds. MinVal and MaxVal are
// inclusive; Above is exclusive.
type FloatBounds struct {
	MinVal *float64
	MaxVal *float64
	Above  *float64
}

// GetFloatWithBounds is GetFloat with range checks.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	ftoa := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	switch {
	case bounds.MinVal != nil && v < *bounds.MinVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have minimum of "+ftoa(*bounds.MinVal))
	case bounds.MaxVal != nil && v > *bounds.MaxVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have maximum of "+ftoa(*bounds.MaxVal))
	case bounds.Above != nil && v <= *bounds.Above:
		return 0, ErrOutOfRange(s.name, option, v, "must be above "+ftoa(*bounds.Above))
	}
	return v, nil
}

// GetBoolean accepts 1/true/yes/on and 0/false/no/off.
func (s *Section) GetBoolean(option string, fallback ...bool) (bool, error) {
	return read(s, option, "boolean (true/false/yes/no/on/off/1/0)", parseBool, fallback)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, strconv.ErrSyntax
}

// GetDuration accepts Go duration syntax ("10ms", "1.5s") or a bare
// number of seconds. Durations must be positive.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	d, err := read(s, option, "duration", parseDuration, fallback)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, ErrOutOfRange(s.name, option, d, "must be positive")
	}
	return d, nil
}

func parseDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err == nil {
		return d, nil
	}
	secs, ferr := strconv.ParseFloat(v, 64)
	if ferr != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// GetChoice returns one of choices, matched case-insensitively and
// returned in canonical form.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetList splits an option on sep, dropping empty items.
func (s *Section) GetList(option string, sep string, fallback ...[]string) ([]string, error) {
	return read(s, option, "list", func(v string) ([]string, error) {
		out := []string{}
		for _, p := range strings.Split(v, sep) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}, fallback)
}
