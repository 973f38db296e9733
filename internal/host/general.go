package host

import (
	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/source"
)

// generalSource 是应用自带的页面入口
func generalSource() *source.List {
	welcome := catalogv1.NewGeneralEntity(metav1.ObjectMeta{
		UID:    "welcome-page-entity",
		Name:   "Welcome Page",
		Source: "app",
		Labels: map[string]string{},
	}, "/welcome")
	welcome.Spec.Icon = "meeting_room"

	preferences := catalogv1.NewGeneralEntity(metav1.ObjectMeta{
		UID:    "preferences-entity",
		Name:   "Preferences",
		Source: "app",
		Labels: map[string]string{},
	}, "/preferences")
	preferences.Spec.Icon = "settings"

	return source.NewList(welcome, preferences)
}
