package browser

import (
	"fmt"

	"github.com/go-rod/rod/lib/launcher"
)

// resolveBrowser downloads a compatible Chromium binary if one is not
// already cached and returns the path to the executable. The binary is
// stored in ~/.cache/rod/browser (Unix) or %APPDATA%\rod\browser (Windows).
func resolveBrowser() (string, error) {
	path, err := launcher.NewBrowser().Get()
	if err != nil {
		return "", fmt.Errorf("browser: downloading chromium: %w", err)
	}
	return path, nil
}

// LookPath returns a usable browser executable: the system one when
// launcher finds it, otherwise a downloaded build.
func LookPath() (string, error) {
	if path, ok := launcher.LookPath(); ok {
		return path, nil
	}
	return resolveBrowser()
}
