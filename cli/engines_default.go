//go:build !native

package cli

func nativeEngines(*Config) (engines, bool) {
	return engines{}, false
}
