package config

import (
	"reflect"
	"testing"
)

func TestMergeIncremental(t *testing.T) {
	got := MergeIncremental([]string{"amd64", "x86"}, []string{"-x86", "arm64"})
	want := []string{"amd64", "arm64"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMergeIncrementalClear(t *testing.T) {
	got := MergeIncremental([]string{"a", "b"}, []string{"-*", "c"})
	want := []string{"c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestContains(t *testing.T) {
	if !Contains("amd64", []string{"amd64", "arm64"}) {
		t.Errorf("expected amd64 present")
	}
	if Contains("amd64", []string{"amd64"}, []string{"-amd64"}) {
		t.Errorf("expected amd64 removed by later layer")
	}
}
