package gcp

import "testing"

func TestFolderEntryIsContent(t *testing.T) {
	const prefix = "3/2025-1-4/auto-annotations/"

	cases := []struct {
		name       string
		objectName string
		subPrefix  string
		want       bool
	}{
		{"object under folder", prefix + "frame_0001.txt", "", true},
		{"nested sub-folder", "", prefix + "nested/", true},
		{"bare placeholder", prefix, "", false},
		{"placeholder-named object elsewhere", prefix + "labels.txt", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := folderEntryIsContent(tc.objectName, tc.subPrefix, prefix)
			if got != tc.want {
				t.Errorf("folderEntryIsContent(%q, %q) = %v, want %v", tc.objectName, tc.subPrefix, got, tc.want)
			}
		})
	}
}
