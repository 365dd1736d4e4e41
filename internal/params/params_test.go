package params

import (
	"errors"
	"reflect"
	"testing"
)

func TestInjectorRoundTrip(t *testing.T) {
	cases := []Injector{
		{},
		{SharedMemoryName: "bifrost-1234", SharedMemorySize: 1 << 20, Pid: 4242,
			WorkingDirectory: `C:\work\dir`, CustomArgument: "opaque payload"},
		{SharedMemoryName: "n", CustomArgument: `{"nested":"json"}`},
	}
	for _, want := range cases {
		got, err := DecodeInjector(want.Encode())
		if err != nil {
			t.Fatalf("decode(%+v): %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestInjectorMissingField(t *testing.T) {
	_, err := DecodeInjector(`{"shared_memory_name":"x","pid":1,"working_directory":"","custom_argument":""}`)
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("error type = %T", err)
	}
	if derr.Field != "shared_memory_size" {
		t.Fatalf("reported field = %q, want shared_memory_size", derr.Field)
	}
}

func TestInjectorMalformed(t *testing.T) {
	for _, data := range []string{"", "not json", "[1,2]"} {
		if _, err := DecodeInjector(data); err == nil {
			t.Fatalf("decode(%q) succeeded", data)
		}
	}
}

func TestLoadRoundTrip(t *testing.T) {
	want := Load{Plugins: []LoadPlugin{
		{Identifier: "PluginA", Path: `C:\plugins\a.dll`, Arguments: "file;3", ForceLoad: true},
		{Identifier: "PluginB", Path: `C:\plugins\b.dll`},
	}}
	got, err := DecodeLoad(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestLoadValidation(t *testing.T) {
	_, err := DecodeLoad(`{"plugins":[{"identifier":"a","path":"p"},{"identifier":"","path":"q"}]}`)
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("error type = %T", err)
	}
	if derr.Field != "plugins[1].identifier" {
		t.Fatalf("reported field = %q", derr.Field)
	}

	_, err = DecodeLoad(`{"plugins":[{"identifier":"a"}]}`)
	if !errors.As(err, &derr) || derr.Field != "plugins[0].path" {
		t.Fatalf("path validation error = %v", err)
	}
}

func TestUnloadRoundTrip(t *testing.T) {
	cases := []Unload{
		{UnloadAll: true},
		{Plugins: []string{"a", "b"}},
	}
	for _, want := range cases {
		got, err := DecodeUnload(want.Encode())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	want := Message{Identifier: "PluginA", Message: "ping"}
	got, err := DecodeMessage(want.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}

	_, err = DecodeMessage(`{"plugin_identifier":"a"}`)
	var derr *DecodeError
	if !errors.As(err, &derr) || derr.Field != "message" {
		t.Fatalf("missing message field error = %v", err)
	}
}

func TestNestedPayloadSurvivesCustomArgument(t *testing.T) {
	load := Load{Plugins: []LoadPlugin{{Identifier: "p", Path: "q", Arguments: `quotes "and" backslashes \`}}}
	inj := Injector{SharedMemoryName: "n", CustomArgument: load.Encode()}

	decoded, err := DecodeInjector(inj.Encode())
	if err != nil {
		t.Fatalf("decode injector: %v", err)
	}
	inner, err := DecodeLoad(decoded.CustomArgument)
	if err != nil {
		t.Fatalf("decode nested load: %v", err)
	}
	if !reflect.DeepEqual(inner, load) {
		t.Fatalf("nested round trip = %+v, want %+v", inner, load)
	}
}
