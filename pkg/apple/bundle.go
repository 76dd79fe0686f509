package apple

// Extension marks an app bundle that is an app extension rather than an app.
type Extension int

// Extension values
const (
	ExtensionWatchKit2 Extension = iota
	ExtensionTodayExtension
)

// AppBundleInformation is the parsed metadata of an app bundle.
//
// Records built with FromBundleID only carry BundleIdentifier; AppName and BundleExecutable
// fall back to the identifier and every path is empty.
type AppBundleInformation struct {
	AppName          string
	BundleIdentifier string
	AppPath          string
	LaunchAppPath    string
	Supports32Bit    bool
	Extension        *Extension
	BundleExecutable string
}

// FromBundleID builds a record for an app known only by its identifier.
func FromBundleID(bundleID string) AppBundleInformation {
	return AppBundleInformation{
		AppName:          bundleID,
		BundleIdentifier: bundleID,
		BundleExecutable: bundleID,
	}
}

// HasPaths reports whether the record points at a bundle on disk.
func (b AppBundleInformation) HasPaths() bool {
	return b.AppPath != ""
}
