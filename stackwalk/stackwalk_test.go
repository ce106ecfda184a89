package stackwalk

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, out string, opts ParseOptions) *Report {
	t.Helper()
	r, err := Parse(strings.NewReader(out), opts)
	require.NoError(t, err)
	return r
}

func TestParseHeaderAndFrames(t *testing.T) {
	out := strings.Join([]string{
		"OS|Windows NT|6.1.7601 Service Pack 1",
		"CPU|x86|GenuineIntel family 6 model 23 stepping 10|2",
		"Crash|EXCEPTION_ACCESS_VIOLATION_READ|0x0|1",
		"Module|firefox.exe|3.6.13.3995|firefox.pdb|E1F2C9F7A6E14B9C8B0F1D0A0B0C0D0E1|0x00400000|0x0041ffff|1",
		"Module|xul.dll|1.9.2.3995|xul.pdb|A0B1C2D3E4F5A6B7C8D9E0F1A2B3C4D51|0x10000000|0x11ffffff|0",
		"",
		"0|0|ntdll.dll|KiFastSystemCallRet|||0x0",
		"1|0|xul.dll|nsCOMPtr_base::assign_with_AddRef(nsISupports *)|e:/builds/nsCOMPtr.cpp|49|0x5",
		"1|1|xul.dll||||0x1234",
		"2|0|ntdll.dll|NtWaitForSingleObject|||0xc",
	}, "\n")
	r := parse(t, out, ParseOptions{})

	assert.Equal(t, "Windows NT", r.OSName)
	assert.Equal(t, "6.1.7601 Service Pack 1", r.OSVersion)
	assert.Equal(t, "x86", r.CPUName)
	assert.Equal(t, 2, r.CPUCount)
	assert.Equal(t, "EXCEPTION_ACCESS_VIOLATION_READ", r.Reason)
	assert.Equal(t, "0x0", r.Address)
	require.NotNil(t, r.CrashingThread)
	assert.Equal(t, 1, *r.CrashingThread)
	require.Len(t, r.Modules, 2)
	assert.True(t, r.Modules[0].Main)
	assert.Equal(t, "xul.pdb", r.Modules[1].DebugFile)

	require.Len(t, r.Frames, 2, "only the crashing thread is kept")
	assert.Equal(t, "nsCOMPtr_base::assign_with_AddRef", r.Frames[0].Signature)
	assert.Equal(t, "xul.dll@0x1234", r.Frames[1].Signature)
	assert.False(t, r.Truncated)
	assert.Empty(t, r.Warnings)
}

func TestParseFrameTruncation(t *testing.T) {
	var b strings.Builder
	b.WriteString("Crash|SIGSEGV|0x0|0\n\n")
	for i := 0; i < 15; i++ {
		fmt.Fprintf(&b, "0|%d|libxul.so|f%d|||0x%x\n", i, i, i)
	}
	r := parse(t, b.String(), ParseOptions{Limits: FrameLimits{Head: 6, Tail: 2, Threshold: 8}})

	var got []int
	for _, f := range r.Frames {
		got = append(got, f.Number)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 13, 14}, got)
	assert.True(t, r.Truncated)
	assert.Equal(t, 15, r.FramesSeen)
	require.NotEmpty(t, r.Warnings)
	assert.Contains(t, r.Warnings[len(r.Warnings)-1], "kept 8")
}

func TestParseBelowThresholdKeepsEverything(t *testing.T) {
	var b strings.Builder
	b.WriteString("Crash|SIGSEGV|0x0|0\n\n")
	for i := 0; i < 9; i++ {
		fmt.Fprintf(&b, "0|%d|libxul.so|f%d|||0x%x\n", i, i, i)
	}
	r := parse(t, b.String(), ParseOptions{Limits: FrameLimits{Head: 4, Tail: 2, Threshold: 10}})
	assert.Len(t, r.Frames, 9)
	assert.False(t, r.Truncated)
}

func TestParseWarnings(t *testing.T) {
	out := strings.Join([]string{
		"OS|Linux",
		"Bogus|line",
		"CPU|amd64|family 6|many",
		"",
		"0|0|a.so|main|||0x1",
		"",
		"0|x|a.so|main|||0x1",
		"0|1|a.so",
	}, "\n")
	r := parse(t, out, ParseOptions{})
	assert.Equal(t, "amd64", r.CPUName)
	joined := strings.Join(r.Warnings, "\n")
	for _, want := range []string{
		"malformed OS line",
		"unrecognized header line",
		"malformed CPU core count",
		"blank line",
		"malformed frame line",
		"no crashing thread identified",
	} {
		assert.Contains(t, joined, want)
	}
	assert.Empty(t, r.Frames)
}

func TestParseWithoutHeader(t *testing.T) {
	r := parse(t, "0|0|a.so|main|||0x1\n", ParseOptions{})
	assert.Contains(t, r.Warnings, "no header lines in analyzer output")
	assert.Contains(t, r.Warnings, "no crashing thread identified")

	r = parse(t, "", ParseOptions{})
	assert.Equal(t, 0, r.Lines)
	assert.Contains(t, r.Warnings, "no header lines in analyzer output")
}

func TestParseThreadRegressionEndsThread(t *testing.T) {
	out := strings.Join([]string{
		"Crash|SIGABRT|0x0|1",
		"",
		"0|0|a.so|t0|||0x1",
		"1|0|a.so|first|||0x1",
		"1|1|a.so|second|||0x2",
		"0|0|a.so|bogus|||0x3",
		"1|2|a.so|late|||0x4",
	}, "\n")
	r := parse(t, out, ParseOptions{})
	require.Len(t, r.Frames, 2)
	assert.Equal(t, "second", r.Frames[1].Function)
	assert.Contains(t, strings.Join(r.Warnings, "\n"), "thread number went from 1 to 0")
}

func TestParseManagedMarker(t *testing.T) {
	r := parse(t, "Managed\nCrash|SIGSEGV|0x0|0\n\n", ParseOptions{})
	assert.True(t, r.Managed)

	r = parse(t, "Crash|JAVA_EXCEPTION|0x0|0\n\n", ParseOptions{ManagedReasonPrefixes: []string{"JAVA_"}})
	assert.True(t, r.Managed)
}

func TestNormalizeFunction(t *testing.T) {
	cases := map[string]string{
		"foo(int)":                                  "foo",
		"foo":                                       "foo",
		"nsFoo::Bar(char const *, int &) const":     "nsFoo::Bar",
		"(anonymous namespace)::Run(void*)":         "(anonymous namespace)::Run",
		"std::map<int , char *>::find(int const &)": "std::map<int, char*>::find",
		"  js::Interpret( JSContext *cx )  ":        "js::Interpret",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeFunction(in), in)
	}
}

func TestFrameSignatureFallbacks(t *testing.T) {
	assert.Equal(t, "foo", FrameSignature(Frame{Function: "foo(int)", File: "a.c", Line: "3"}))
	assert.Equal(t, "a.c#3", FrameSignature(Frame{File: "a.c", Line: "3", Module: "m.so"}))
	assert.Equal(t, "m.so@0x10", FrameSignature(Frame{Module: "m.so", Offset: "0x10"}))
	assert.Equal(t, "@0x10", FrameSignature(Frame{Offset: "0x10"}))
}

func TestSignature(t *testing.T) {
	thread := 0
	frames := []Frame{
		{Signature: "KiFastSystemCallRet"},
		{Signature: "RtlEnterCriticalSection"},
		{Signature: "PR_Lock"},
		{Signature: "nsThread::ProcessNextEvent"},
	}
	r := &Report{CrashingThread: &thread, Frames: frames}

	plain, err := NewSigner(SignatureOptions{})
	require.NoError(t, err)
	assert.Equal(t, "KiFastSystemCallRet", plain.Signature(r, ""))

	s, err := NewSigner(SignatureOptions{
		Irrelevant: []string{"KiFastSystemCallRet", "Rtl.*"},
		Prefix:     []string{"PR_Lock"},
	})
	require.NoError(t, err)
	assert.Equal(t, "PR_Lock | nsThread::ProcessNextEvent", s.Signature(r, ""))

	assert.Equal(t, NoThreadSentinel, s.Signature(&Report{}, ""))
	assert.Equal(t, NoFramesSentinel, s.Signature(&Report{CrashingThread: &thread}, ""))

	_, err = NewSigner(SignatureOptions{Irrelevant: []string{"("}})
	assert.Error(t, err)
}

func TestSignatureTruncation(t *testing.T) {
	thread := 0
	s, err := NewSigner(SignatureOptions{MaxLength: 10, ShortMaxLength: 6})
	require.NoError(t, err)
	r := &Report{CrashingThread: &thread, Frames: []Frame{{Signature: "abcdefghijklmnop"}}}
	sig := s.Signature(r, "")
	assert.Equal(t, "abcdefg...", sig)
	assert.Len(t, sig, 10)
	assert.Equal(t, "abc...", s.ShortSignature("abcdefghij"))

	// "é" spans bytes 6 and 7, so a cut at 7 backs off to 6
	r.Frames[0].Signature = "abcdeféghijk"
	sig = s.Signature(r, "")
	assert.Equal(t, "abcdef...", sig)
	assert.True(t, utf8.ValidString(sig))
	assert.LessOrEqual(t, len(sig), 10)
	assert.True(t, utf8.ValidString(s.ShortSignature("日本語のフレーム")))
}

func TestShortSignature(t *testing.T) {
	s, err := NewSigner(SignatureOptions{})
	require.NoError(t, err)
	assert.Equal(t, "foo", s.ShortSignature("foo"))
	assert.Equal(t, "std::vector::push_back", s.ShortSignature("std::vector<std::pair<int, int> >::push_back"))
}

func TestManagedSignature(t *testing.T) {
	notes := "AdapterVendorID: 0x10de\njava.lang.NullPointerException: [ at org.mozilla.gecko.GeckoApp.onCreate(GeckoApp.java:12) ; at android.app.Activity.performCreate() ]"
	assert.Equal(t, "java.lang.NullPointerException at org.mozilla.gecko.GeckoApp.onCreate", ManagedSignature(notes))
	assert.Equal(t, "a.B.c", ManagedSignature("[ at a.B.c() ]"))

	for _, bad := range []string{"", "no block here", "unterminated [ at a.B.c()", "empty [  ]"} {
		assert.Equal(t, ManagedSentinel, ManagedSignature(bad), bad)
	}

	thread := 0
	s, err := NewSigner(SignatureOptions{MaxLength: 20})
	require.NoError(t, err)
	r := &Report{Managed: true, CrashingThread: &thread, Frames: []Frame{{Signature: "native"}}}
	assert.Equal(t, "java.lang.NullPoi...", s.Signature(r, notes))
}

func TestFlashVersion(t *testing.T) {
	known := map[string]string{"83CF4DC03621B778E931FC713889E8F10": "9.0.16.0"}
	cases := []struct {
		name string
		mods []Module
		want string
	}{
		{"filename digits", []Module{{Filename: "NPSWF32_11_2_202_228.dll"}}, "11.2.202.228"},
		{"version field", []Module{{Filename: "NPSWF32.dll", Version: "10.1.53.64"}}, "10.1.53.64"},
		{"linux", []Module{{Filename: "/usr/lib/flash/libflashplayer_10_0_45_2.so"}}, "10.0.45.2"},
		{"debug id", []Module{{Filename: "NPSWF32.dll", DebugID: "83cf4dc03621b778e931fc713889e8f10"}}, "9.0.16.0"},
		{"mac", []Module{{Filename: "Flash Player", Version: "10.2.152.26"}}, "10.2.152.26"},
		{"unknown flash build", []Module{{Filename: "NPSWF32.dll"}}, ""},
		{"not flash", []Module{{Filename: "xul_1_9_2.dll"}}, ""},
		{"windows path", []Module{{Filename: `C:\WINDOWS\system32\Macromed\Flash\NPSWF32_11_2_202_228.dll`}}, "11.2.202.228"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FlashVersion(tc.mods, known), tc.name)
	}
}

func TestSignatureHashIsStable(t *testing.T) {
	assert.Len(t, SignatureHash("foo"), 16)
	assert.Equal(t, SignatureHash("foo  |  bar"), SignatureHash("foo | bar"))
	assert.NotEqual(t, SignatureHash("foo"), SignatureHash("bar"))
}
