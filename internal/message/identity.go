package message

import "strings"

// NormalizeID canonicalizes a Message-Id style identity hint: angle
// brackets and surrounding whitespace are stripped.  Returns "" when
// no usable identity remains; callers then fall back to a content
// digest.
//
// The same normalization must be applied everywhere an identity is
// compared, or the dedup check before fetch and the one after staging
// would disagree.
func NormalizeID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return strings.TrimSpace(s)
}
