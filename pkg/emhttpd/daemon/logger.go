package daemon

import "github.com/sirupsen/logrus"

// defaultLogger backs conn.LogFunc with logrus.FieldLogger when the host
// supplies no Options.Log callback, per SPEC_FULL.md's "(new, ambient)
// structured logging" addition. kv is treated as alternating key/value
// pairs, the same convention the teacher's server package uses for its
// own structured fields.
func defaultLogger() func(msg string, kv ...any) {
	base := logrus.StandardLogger()
	return func(msg string, kv ...any) {
		entry := logrus.NewEntry(base)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			entry = entry.WithField(key, kv[i+1])
		}
		entry.Info(msg)
	}
}
