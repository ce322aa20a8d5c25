package log

// WithComponent returns a Logger that adds a "component" field to every
// line, so listener, probe and reload output can be told apart.
func WithComponent(l Logger, name string) Logger {
	if c, ok := l.(*componentLogger); ok {
		l = c.base
	}
	return &componentLogger{base: l, name: name}
}

type componentLogger struct {
	base Logger
	name string
}

func (c *componentLogger) tag(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["component"] = c.name
	return out
}

func (c *componentLogger) Info(f map[string]any, msg string)  { c.base.Info(c.tag(f), msg) }
func (c *componentLogger) Error(f map[string]any, msg string) { c.base.Error(c.tag(f), msg) }
func (c *componentLogger) Debug(f map[string]any, msg string) { c.base.Debug(c.tag(f), msg) }
func (c *componentLogger) Warn(f map[string]any, msg string)  { c.base.Warn(c.tag(f), msg) }
func (c *componentLogger) Panic(f map[string]any, msg string) { c.base.Panic(c.tag(f), msg) }
func (c *componentLogger) Fatal(f map[string]any, msg string) { c.base.Fatal(c.tag(f), msg) }
