//go:build !linux && !windows && !darwin

package notify

func init() {
	platformFactory = func(Config) (port, error) {
		return nil, ErrNotImplemented
	}
}
