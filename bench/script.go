package bench

import (
	"os"

	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/export"
	"github.com/nasa-jpl/scopebench/runner"
	"github.com/nasa-jpl/scopebench/script"
)

// Script returns a copy of the current script
func (b *Bench) Script() *script.Script {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.script.Clone()
}

// SetScript validates and replaces the current script
func (b *Bench) SetScript(s *script.Script) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = s.Clone()
	return nil
}

// Edit applies fn to the current script under the bench lock.  Editor
// methods leave the script unchanged when they fail
func (b *Bench) Edit(fn func(*script.Script) error) (*script.Script, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := fn(b.script); err != nil {
		return nil, err
	}
	return b.script.Clone(), nil
}

// LoadScript reads script.json from the base directory.  Without one, a
// legacy sequence.json is imported; without either the script is empty
func (b *Bench) LoadScript() (*script.Script, error) {
	store := b.Store()
	path := store.Path(config.ScriptFile)
	if _, err := os.Stat(path); err == nil {
		return script.Load(path)
	}
	if _, err := os.Stat(store.Path(config.SequenceFile)); err == nil {
		return script.ImportSequence(store.Dir)
	}
	return &script.Script{Name: "script"}, nil
}

// SaveScript writes the current script to script.json in the base directory
func (b *Bench) SaveScript() (string, error) {
	path := b.Store().Path(config.ScriptFile)
	if err := b.Script().Save(path); err != nil {
		return "", err
	}
	b.logf("script saved to %s", path)
	return path, nil
}

// ReloadScript replaces the current script with LoadScript's
func (b *Bench) ReloadScript() (*script.Script, error) {
	s, err := b.LoadScript()
	if err != nil {
		return nil, err
	}
	return s, b.SetScript(s)
}

// ImportSequence replaces the current script with sequence.json of the
// base directory
func (b *Bench) ImportSequence() (*script.Script, error) {
	s, err := script.ImportSequence(b.Store().Dir)
	if err != nil {
		return nil, err
	}
	return s, b.SetScript(s)
}

// RunTable flattens a run to one row per result
func RunTable(run *runner.Run) export.Table {
	t := export.Table{
		Sheet:   "Run",
		Columns: []string{"Step", "Measurement", "Channel", "Reference", "Value", "Unit", "Timestamp"},
	}
	for _, res := range run.Results() {
		var ref interface{}
		if res.Ref != 0 {
			ref = res.Ref
		}
		t.Append(res.Step, res.Kind.String(), res.Channel, ref, res.Value, res.Unit, res.Timestamp)
	}
	return t
}
