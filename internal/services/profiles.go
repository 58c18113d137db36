package services

import (
	"fmt"
	"strings"
)

// PlatformProfile is a fixed aspect-ratio/resolution target that clips
// are rendered into.
type PlatformProfile struct {
	Name        string
	Width       int
	Height      int
	AspectRatio string
}

// Resolution returns the profile's resolution string, e.g. "1080x1920".
func (p PlatformProfile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

var (
	ProfileShorts = PlatformProfile{Name: "shorts", Width: 1080, Height: 1920, AspectRatio: "9:16"}
	ProfileReels  = PlatformProfile{Name: "reels", Width: 1080, Height: 1920, AspectRatio: "9:16"}
	ProfileSquare = PlatformProfile{Name: "square", Width: 1080, Height: 1080, AspectRatio: "1:1"}
)

// DefaultProfile is used when a profile name or tag is unrecognized.
var DefaultProfile = ProfileShorts

var profileTable = map[string]PlatformProfile{
	ProfileShorts.Name: ProfileShorts,
	ProfileReels.Name:  ProfileReels,
	ProfileSquare.Name: ProfileSquare,
}

// ProfileByName resolves a profile by exact name, falling back to the
// 9:16 default for anything unrecognized.
func ProfileByName(name string) PlatformProfile {
	if p, ok := profileTable[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return DefaultProfile
}

// KnownProfile reports whether name maps to an entry in the fixed table.
func KnownProfile(name string) bool {
	_, ok := profileTable[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// ProfileFromTags picks a platform profile by substring match against
// AI-produced free text (the highlight's platform/emotion tags). The
// matching is brittle by nature, so an exact profile name in any tag
// wins before substring probing.
func ProfileFromTags(tags ...string) PlatformProfile {
	for _, tag := range tags {
		if KnownProfile(tag) {
			return ProfileByName(tag)
		}
	}

	for _, tag := range tags {
		lower := strings.ToLower(tag)
		switch {
		case strings.Contains(lower, "shorts"):
			return ProfileShorts
		case strings.Contains(lower, "reels"):
			return ProfileReels
		case strings.Contains(lower, "square"), strings.Contains(lower, "feed"):
			return ProfileSquare
		}
	}

	return DefaultProfile
}
