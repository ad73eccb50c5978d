package core

import (
	"strings"

	packageurl "github.com/package-url/packageurl-go"
)

// BuildPURL returns the package URL for an npm package version.
// Scoped names keep their @scope as the namespace.
func BuildPURL(name, version string) string {
	namespace := ""
	pkgName := name
	if strings.HasPrefix(name, "@") && strings.Contains(name, "/") {
		parts := strings.SplitN(name, "/", 2)
		namespace = parts[0]
		pkgName = parts[1]
	}
	return packageurl.NewPackageURL("npm", namespace, pkgName, version, nil, "").ToString()
}

// ParsePURL returns the npm package name and version encoded in a package URL.
func ParsePURL(purl string) (name, version string, err error) {
	p, err := packageurl.FromString(purl)
	if err != nil {
		return "", "", err
	}
	if p.Namespace == "" {
		return p.Name, p.Version, nil
	}
	return p.Namespace + "/" + p.Name, p.Version, nil
}
