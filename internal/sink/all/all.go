// Package all imports every notification sink.
//
// Import this package for its side effects to register all sink kinds:
//
//	import (
//		"github.com/git-pkgs/scriptwatch/internal/dispatch"
//		_ "github.com/git-pkgs/scriptwatch/internal/sink/all"
//	)
//
//	kinds := dispatch.SupportedKinds()
//	// ["chatbot", "github", "webhook"]
package all

import (
	_ "github.com/git-pkgs/scriptwatch/internal/sink/chatbot"
	_ "github.com/git-pkgs/scriptwatch/internal/sink/github"
	_ "github.com/git-pkgs/scriptwatch/internal/sink/webhook"
)
