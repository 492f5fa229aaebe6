package coordinator

// FlagResolver decides whether a named feature is enabled.
type FlagResolver interface {
	Enabled(name string) bool
}

// FlagSource is one layer of feature flags. ok is false when the layer
// has no opinion about name.
type FlagSource interface {
	Lookup(name string) (enabled, ok bool)
}

// StaticFlags is a fixed flag layer, typically the features map from
// the config file.
type StaticFlags map[string]bool

// Lookup implements FlagSource.
func (f StaticFlags) Lookup(name string) (bool, bool) {
	v, ok := f[name]
	return v, ok
}

// Enabled implements FlagResolver. Absent flags are disabled.
func (f StaticFlags) Enabled(name string) bool {
	return f[name]
}

// LayeredFlags resolves a flag from Override first, then Base. A flag
// absent from both is disabled. Either layer may be nil.
type LayeredFlags struct {
	Override FlagSource
	Base     FlagSource
}

// Lookup implements FlagSource so layered resolvers can be nested.
func (l LayeredFlags) Lookup(name string) (bool, bool) {
	for _, layer := range []FlagSource{l.Override, l.Base} {
		if layer == nil {
			continue
		}
		if v, ok := layer.Lookup(name); ok {
			return v, true
		}
	}
	return false, false
}

// Enabled implements FlagResolver.
func (l LayeredFlags) Enabled(name string) bool {
	v, _ := l.Lookup(name)
	return v
}
