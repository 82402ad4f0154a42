//go:build !linux

package anchor

// NewHardwareProvider is unavailable off Linux: tresd network elements
// run on Linux appliances.
func NewHardwareProvider(path string, nvIndex uint32) Provider {
	return nil
}
