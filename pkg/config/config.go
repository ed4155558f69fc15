package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"mppt-controller/pkg/errors"
)

// Config is a parsed configuration file. It remembers which sections
// were requested so leftovers can be reported once the daemon has read
// everything it understands.
type Config struct {
	mu       sync.Mutex
	path     string
	sections map[string]*Section
	order    []string
	used     map[string]bool
}

// New returns an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		used:     make(map[string]bool),
	}
}

// Load reads path, following [include glob] directives relative to the
// including file.
func Load(path string) (*Config, error) {
	c := New()
	c.path = path
	if err := c.loadFile(path, map[string]bool{}); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses data; includes resolve against the working
// directory.
func LoadString(data string) (*Config, error) {
	c := New()
	p := &parser{cfg: c, file: "<string>", dir: ".", stack: map[string]bool{}}
	if err := p.run(strings.NewReader(data)); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the file passed to Load.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) loadFile(path string, stack map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return syntaxError(path, 0, fmt.Sprintf("invalid path: %v", err))
	}
	if stack[abs] {
		return syntaxError(path, 0, "recursive include")
	}
	stack[abs] = true
	defer delete(stack, abs)

	f, err := os.Open(abs)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, "unable to open config").SetFile(path)
	}
	defer f.Close()

	p := &parser{cfg: c, file: path, dir: filepath.Dir(abs), stack: stack}
	return p.run(f)
}

func syntaxError(file string, line int, msg string) *errors.HostError {
	return errors.New(errors.ErrConfigValidation, msg).SetFile(file).SetLine(line)
}

// parser reads one file. Options before the first header are ignored.
type parser struct {
	cfg   *Config
	file  string
	dir   string
	stack map[string]bool

	line    int
	section string
	options map[string]string
}

func (p *parser) run(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.line++
		if err := p.parseLine(stripComment(strings.TrimSpace(sc.Text()))); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, errors.ErrConfigValidation, "read failed").SetFile(p.file)
	}
	p.commit()
	return nil
}

func (p *parser) parseLine(line string) error {
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
		p.commit()
		header := strings.TrimSpace(line[1 : len(line)-1])
		if header == "" {
			return syntaxError(p.file, p.line, "empty section header")
		}
		if spec, ok := strings.CutPrefix(header, "include "); ok {
			return p.include(strings.TrimSpace(spec))
		}
		p.section = header
		p.options = make(map[string]string)
		return nil
	}
	if p.section == "" {
		return nil
	}
	// "key: value" or "key = value", whichever separator comes first.
	i := strings.IndexAny(line, ":=")
	if i <= 0 {
		return syntaxError(p.file, p.line, fmt.Sprintf("malformed line %q", line))
	}
	p.options[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	return nil
}

func (p *parser) commit() {
	if p.section != "" {
		p.cfg.addSection(p.section, p.options)
	}
	p.section, p.options = "", nil
}

func (p *parser) include(spec string) error {
	if spec == "" {
		return syntaxError(p.file, p.line, "empty include")
	}
	pattern := filepath.Join(p.dir, spec)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return syntaxError(p.file, p.line, fmt.Sprintf("invalid include pattern %q", spec))
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return syntaxError(p.file, p.line, "include file does not exist: "+pattern)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := p.cfg.loadFile(m, p.stack); err != nil {
			return err
		}
	}
	return nil
}

// stripComment removes a '#' or ';' comment. Inside a value the marker
// must follow whitespace, so MQTT wildcards like "mppt/#" survive.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '#' && line[i] != ';' {
			continue
		}
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			return strings.TrimSpace(line[:i])
		}
	}
	return line
}

// addSection merges repeated headers into the first occurrence.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sec, ok := c.sections[name]; ok {
		for k, v := range options {
			sec.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSectionOptional returns the named section and marks it used, or nil.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec := c.sections[name]
	if sec != nil {
		c.used[name] = true
	}
	return sec
}

// GetSection is GetSectionOptional with a CONFIG_SECTION error for a
// missing section.
func (c *Config) GetSection(name string) (*Section, error) {
	if sec := c.GetSectionOptional(name); sec != nil {
		return sec, nil
	}
	return nil, ErrMissingSection(name)
}

// GetSectionOrEmpty returns the named section, or an empty one that
// answers every getter with its fallback.
func (c *Config) GetSectionOrEmpty(name string) *Section {
	if sec := c.GetSectionOptional(name); sec != nil {
		return sec
	}
	return newSection(name, nil)
}

// HasSection reports whether name was parsed, without marking it used.
func (c *Config) HasSection(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// GetUnusedSections returns the sorted names of sections never requested.
func (c *Config) GetUnusedSections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, name := range c.order {
		if !c.used[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CheckUnusedSections fails if any section was never requested.
func (c *Config) CheckUnusedSections() error {
	if unused := c.GetUnusedSections(); len(unused) > 0 {
		return NewConfigError("", "", fmt.Sprintf("unused sections: %v", unused))
	}
	return nil
}

// CheckUnusedOptions fails if a requested section holds options nothing
// read.
func (c *Config) CheckUnusedOptions() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var problems []string
	for _, name := range c.order {
		if !c.used[name] {
			continue
		}
		if unused := c.sections[name].GetUnusedOptions(); len(unused) > 0 {
			sort.Strings(unused)
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	if len(problems) > 0 {
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}
