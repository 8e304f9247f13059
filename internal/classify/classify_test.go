// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package classify

import (
	"bytes"
	"errors"
	"testing"
)

func readerForContents(contents map[string][]byte) ReadFileFunc {
	return func(filePath string) ([]byte, error) {
		buf, exists := contents[filePath]
		if !exists {
			return nil, errors.New("no such file")
		}
		return buf, nil
	}
}

func TestIsAllTextHappyPath(t *testing.T) {
	contents := map[string][]byte{
		"SKILL.md":          []byte("# My Skill\n\nDoes things.\n"),
		"scripts/helper.py": []byte("print('hello')\n"),
		"config.yaml":       []byte("key: value\n"),
		"Cargo.lock":        []byte("[[package]]\nname = \"foo\"\n"),
	}
	paths := []string{"SKILL.md", "scripts/helper.py", "config.yaml", "Cargo.lock"}
	if !IsAllText(paths, readerForContents(contents)) {
		t.Error("expected all-text = true, got false")
	}
}

func TestExtensionGate(t *testing.T) {
	testCases := []struct {
		path     string
		expected bool
	}{
		{"README.md", true},
		{"README.MD", true}, // extension match is case-insensitive
		{"main.go", true},
		{"Dockerfile", false},   // no extension
		{"helper.wasm", false},  // not on the allow-list
		{"payload.bin", false},  // not on the allow-list
		{"archive.tar.gz", false},
	}
	for _, tc := range testCases {
		readFile := readerForContents(map[string][]byte{tc.path: []byte("plain text\n")})
		actual := IsAllText([]string{tc.path}, readFile)
		if actual != tc.expected {
			t.Errorf("IsAllText(%q): expected %v, got %v", tc.path, tc.expected, actual)
		}
	}
}

func TestExtensionGateDoesNotReadContent(t *testing.T) {
	readFile := func(filePath string) ([]byte, error) {
		t.Errorf("unexpected content read for %q", filePath)
		return nil, errors.New("unreachable")
	}
	if IsAllText([]string{"payload.exe"}, readFile) {
		t.Error("expected all-text = false, got true")
	}
}

func TestBinarySignatures(t *testing.T) {
	testCases := []struct {
		desc     string
		contents []byte
		expected bool
	}{
		{"PNG header", []byte("\x89PNG\r\n\x1a\nrest of image"), false},
		{"ZIP header", []byte("PK\x03\x04rest of archive"), false},
		{"gzip header", []byte("\x1f\x8brest of archive"), false},
		{"ELF header", []byte("\x7fELFrest of binary"), false},
		{"RIFF with WAVE tag at offset 8", []byte("RIFF\x10\x10\x10\x10WAVEdata"), false},
		{"RIFF with WEBP tag at offset 8", []byte("RIFF\x10\x10\x10\x10WEBPdata"), false},
		// "RIFF" without a known subformat tag is not a signature match
		{"RIFF prose", []byte("RIFF is a container format"), true},
		{"ftyp tag at offset 4", []byte("\x10\x10\x10\x10ftypisomdata"), false},
		// "ftyp" at the wrong offset is not a signature match
		{"ftyp prose", []byte("regarding ftyp boxes and formats"), true},
		{"plain text", []byte("nothing binary in here\n"), true},
		{"empty file", nil, true},
	}
	for _, tc := range testCases {
		readFile := readerForContents(map[string][]byte{"notes.txt": tc.contents})
		actual := IsAllText([]string{"notes.txt"}, readFile)
		if actual != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.desc, tc.expected, actual)
		}
	}
}

func TestNullByteHeuristic(t *testing.T) {
	withEarlyNull := append([]byte("some text"), 0)
	readFile := readerForContents(map[string][]byte{"notes.txt": withEarlyNull})
	if IsAllText([]string{"notes.txt"}, readFile) {
		t.Error("expected all-text = false for content with null byte, got true")
	}

	// a null byte beyond the first 8192 bytes is not seen by the heuristic
	withLateNull := append(bytes.Repeat([]byte("x"), 8192), 0)
	readFile = readerForContents(map[string][]byte{"notes.txt": withLateNull})
	if !IsAllText([]string{"notes.txt"}, readFile) {
		t.Error("expected all-text = true for null byte beyond scan limit, got false")
	}
}

func TestUnreadableContentFailsClosed(t *testing.T) {
	readFile := readerForContents(map[string][]byte{}) // every read errors
	if IsAllText([]string{"notes.txt"}, readFile) {
		t.Error("expected all-text = false for unreadable content, got true")
	}
}

func TestSingleBinaryFileFlipsResult(t *testing.T) {
	contents := map[string][]byte{
		"SKILL.md":  []byte("# My Skill\n"),
		"helper.py": []byte("print('hello')\n"),
	}
	paths := []string{"SKILL.md", "helper.py"}
	if !IsAllText(paths, readerForContents(contents)) {
		t.Fatal("expected all-text = true for base file set, got false")
	}

	contents["helper.py"] = []byte("\x7fELF pretending to be a script")
	if IsAllText(paths, readerForContents(contents)) {
		t.Error("expected all-text = false after planting a binary file, got true")
	}
}

func TestEmptyFileListIsAllText(t *testing.T) {
	if !IsAllText(nil, readerForContents(nil)) {
		t.Error("expected all-text = true for empty file list, got false")
	}
}
