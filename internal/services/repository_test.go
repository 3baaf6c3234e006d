package services

import "testing"

func TestNormalizeListOptions(t *testing.T) {
	tests := []struct {
		name string
		in   ListOptions
		want ListOptions
	}{
		{"defaults", ListOptions{}, ListOptions{Limit: 50, SortOrder: "desc"}},
		{"cap", ListOptions{Limit: 5000}, ListOptions{Limit: 1000, SortOrder: "desc"}},
		{"negative offset", ListOptions{Limit: 10, Offset: -3}, ListOptions{Limit: 10, SortOrder: "desc"}},
		{"asc kept", ListOptions{Limit: 10, SortOrder: "asc"}, ListOptions{Limit: 10, SortOrder: "asc"}},
		{"junk order", ListOptions{Limit: 10, SortOrder: "sideways"}, ListOptions{Limit: 10, SortOrder: "desc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeListOptions(tt.in); got != tt.want {
				t.Errorf("normalizeListOptions(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}
