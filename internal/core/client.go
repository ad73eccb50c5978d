package core

import (
	"github.com/git-pkgs/scriptwatch/client"
)

// Type aliases so components can name client errors through core.
type (
	Client                 = client.Client
	URLBuilder             = client.URLBuilder
	FetchError             = client.HTTPError
	TimeoutError           = client.TimeoutError
	MalformedResponseError = client.MalformedResponseError
)

// Function aliases.
var (
	DefaultClient = client.DefaultClient
	NewClient     = client.NewClient
	WithTimeout   = client.WithTimeout
	BuildURLs     = client.BuildURLs
)
