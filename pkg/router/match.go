package router

import ksievent "github.com/durapensa/ksi/pkg/event"

// MatchPattern exposes the router's pattern matcher so pkg/transport's Hub
// can test monitor:subscribe patterns without importing this package's
// handler/transformer machinery.
func MatchPattern(pattern, name string) bool {
	return ksievent.MatchPattern(pattern, name)
}
