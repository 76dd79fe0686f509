// Package bundle reads app bundle metadata from Info.plist.
package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/devicelab-dev/device-harness/pkg/apple"
)

// infoPlist holds the Info.plist keys we care about.
type infoPlist struct {
	BundleIdentifier   string   `plist:"CFBundleIdentifier"`
	BundleName         string   `plist:"CFBundleName"`
	BundleDisplayName  string   `plist:"CFBundleDisplayName"`
	BundleExecutable   string   `plist:"CFBundleExecutable"`
	RequiredDeviceCaps []string `plist:"UIRequiredDeviceCapabilities"`
	NSExtension        *struct {
		PointIdentifier string `plist:"NSExtensionPointIdentifier"`
	} `plist:"NSExtension"`
	WKWatchKitApp bool `plist:"WKWatchKitApp"`
}

// Parser implements AppBundleInformationParser.
type Parser struct{}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseFromAppBundle reads <appPath>/Info.plist (Contents/Info.plist for Mac Catalyst).
func (p *Parser) ParseFromAppBundle(ctx context.Context, appPath string, platform apple.Platform, log apple.Logger) (apple.AppBundleInformation, error) {
	if err := ctx.Err(); err != nil {
		return apple.AppBundleInformation{}, err
	}

	plistPath := filepath.Join(appPath, "Info.plist")
	if platform == apple.MacCatalyst {
		plistPath = filepath.Join(appPath, "Contents", "Info.plist")
	}

	data, err := os.ReadFile(plistPath) //#nosec G304 -- user-provided app bundle
	if err != nil {
		return apple.AppBundleInformation{}, fmt.Errorf("failed to read %s: %w", plistPath, err)
	}

	var info infoPlist
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return apple.AppBundleInformation{}, fmt.Errorf("failed to parse %s: %w", plistPath, err)
	}
	if info.BundleIdentifier == "" {
		return apple.AppBundleInformation{}, fmt.Errorf("%s has no CFBundleIdentifier", plistPath)
	}

	appName := info.BundleDisplayName
	if appName == "" {
		appName = info.BundleName
	}
	if appName == "" {
		appName = strings.TrimSuffix(filepath.Base(appPath), filepath.Ext(appPath))
	}

	executable := info.BundleExecutable
	if executable == "" {
		executable = appName
	}

	result := apple.AppBundleInformation{
		AppName:          appName,
		BundleIdentifier: info.BundleIdentifier,
		AppPath:          appPath,
		LaunchAppPath:    appPath,
		Supports32Bit:    supports32Bit(info.RequiredDeviceCaps),
		Extension:        extensionOf(info),
		BundleExecutable: executable,
	}

	// Watch apps are launched through their containing bundle on the simulator.
	if info.WKWatchKitApp {
		result.LaunchAppPath = filepath.Dir(filepath.Dir(appPath))
	}

	log.Debug("Parsed bundle %s (%s) from %s", result.AppName, result.BundleIdentifier, appPath)
	return result, nil
}

func supports32Bit(caps []string) bool {
	for _, c := range caps {
		if c == "arm64" {
			return false
		}
	}
	return true
}

func extensionOf(info infoPlist) *apple.Extension {
	if info.NSExtension == nil {
		return nil
	}
	var ext apple.Extension
	switch info.NSExtension.PointIdentifier {
	case "com.apple.watchkit":
		ext = apple.ExtensionWatchKit2
	case "com.apple.widget-extension":
		ext = apple.ExtensionTodayExtension
	default:
		return nil
	}
	return &ext
}

// BundleIDParser returns bundle-identifier-only records regardless of path.
// The path argument is taken as the identifier.
type BundleIDParser struct{}

// ParseFromAppBundle implements AppBundleInformationParser.
func (BundleIDParser) ParseFromAppBundle(_ context.Context, bundleID string, _ apple.Platform, _ apple.Logger) (apple.AppBundleInformation, error) {
	return apple.FromBundleID(bundleID), nil
}
