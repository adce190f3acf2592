package hosting

import (
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/zeebo/blake3"
)

// Digest identifies content for change detection. It is compared for
// equality only.
type Digest [32]byte

// ContentDigest returns the BLAKE3 digest of content.
func ContentDigest(content []byte) Digest {
	return blake3.Sum256(content)
}

var homePrefixes = []string{"~/", "$HOME/"}

// RemotePath quotes p for use inside an eval'd command line. A leading ~/ or
// $HOME/ is left unquoted so the remote shell still expands it.
func RemotePath(p string) string {
	if p == "~" || p == "$HOME" {
		return p
	}
	for _, prefix := range homePrefixes {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			if rest == "" {
				return prefix
			}
			return prefix + shellquote.Join(rest)
		}
	}
	return shellquote.Join(p)
}

// homeRelative strips a leading ~/ or $HOME/. Commands run through sudo -i
// start in the account's home, so the result names the same file without
// relying on shell expansion.
func homeRelative(p string) string {
	for _, prefix := range homePrefixes {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			return rest
		}
	}
	return p
}

// objectsPath returns the eval-ready path of a repository's objects
// directory under $HOME.
func objectsPath(repo string) string {
	rel := strings.TrimLeft(path.Join(homeRelative(repo), "objects"), "/")
	return `"$HOME"/` + shellquote.Join(rel)
}

// isProtectedPath reports paths that must never be removed recursively.
func isProtectedPath(p string) bool {
	switch strings.TrimRight(strings.TrimSpace(p), "/") {
	case "", ".", "..", "~", "$HOME", "*":
		return true
	}
	return false
}
