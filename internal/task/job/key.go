package job

import "strings"

// DefaultGroup is used when a key is created with an empty group.
const DefaultGroup = "DEFAULT"

// Key identifies a job or a trigger. Keys compare by value.
type Key struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// NewKey builds a key, normalising an empty group to DefaultGroup.
func NewKey(name, group string) Key {
	return Key{Name: name, Group: group}.Normalize()
}

func (k Key) Normalize() Key {
	k.Name = strings.TrimSpace(k.Name)
	k.Group = strings.TrimSpace(k.Group)
	if k.Group == "" {
		k.Group = DefaultGroup
	}
	return k
}

func (k Key) IsZero() bool { return strings.TrimSpace(k.Name) == "" }

func (k Key) String() string { return k.Normalize().Group + "." + k.Name }

// Less orders keys by group then name.
func (k Key) Less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Name < o.Name
}
