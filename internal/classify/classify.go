// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

// Package classify decides whether uploaded file contents are safely treated
// as plain text. Versions that only contain plain text files are exempt from
// malware scanning, which keeps the scanning provider's quota for the uploads
// that can actually carry executable payloads.
package classify

import (
	"bytes"
	"path"
	"strings"
)

// ReadFileFunc provides file contents on demand. Contents are only requested
// for files whose extension passes the allow-list, to avoid unnecessary blob
// reads for files that are rejected anyway.
type ReadFileFunc func(filePath string) ([]byte, error)

// IsAllText reports whether every given file passes all three text checks:
// a known text file extension, no known binary format signature in the leading
// bytes, and no null byte within the first 8 KiB of content.
//
// A file whose content cannot be read counts as binary. The empty file list
// yields true; callers that want to treat "no files" differently must check
// for that case themselves.
func IsAllText(filePaths []string, readFile ReadFileFunc) bool {
	for _, filePath := range filePaths {
		if !isTextFile(filePath, readFile) {
			return false
		}
	}
	return true
}

func isTextFile(filePath string, readFile ReadFileFunc) bool {
	ext := strings.ToLower(path.Ext(filePath))
	if !textFileExtensions[ext] {
		// files with no extension or an unknown extension are rejected without
		// reading their content
		return false
	}

	contents, err := readFile(filePath)
	if err != nil {
		// unreadable content fails closed
		return false
	}
	if matchesBinarySignature(contents) {
		return false
	}
	return !containsNullByte(contents)
}

// textFileExtensions are the file extensions that may appear in a version
// that skips malware scanning. Everything else (including files without an
// extension) goes through the scanning provider.
var textFileExtensions = makeExtensionSet(
	// prose and documentation
	"md", "markdown", "mdx", "txt", "text", "rst", "adoc", "asciidoc",
	// source code
	"py", "pyi", "js", "mjs", "cjs", "jsx", "ts", "tsx", "go", "rb", "rs",
	"java", "kt", "kts", "scala", "c", "h", "cpp", "cxx", "cc", "hpp", "hh",
	"cs", "swift", "php", "pl", "pm", "lua", "r", "dart", "ex", "exs", "erl",
	"hrl", "hs", "elm", "clj", "cljs", "edn", "zig", "nim", "vue", "svelte",
	// shell
	"sh", "bash", "zsh", "fish", "ps1", "psm1", "bat",
	// web
	"html", "htm", "xhtml", "css", "scss", "sass", "less", "svg",
	// config and data
	"json", "jsonc", "json5", "yaml", "yml", "toml", "ini", "cfg", "conf",
	"env", "xml", "csv", "tsv", "sql", "graphql", "gql", "proto",
	"properties", "gradle", "cmake", "mk", "nix", "tf", "tfvars",
	// lockfiles
	"lock",
)

func makeExtensionSet(extensions ...string) map[string]bool {
	result := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		result["."+ext] = true
	}
	return result
}

// A binarySignature matches when each of its parts equals the content bytes
// at the respective offset. Multi-part signatures describe container formats
// where a generic container tag needs a secondary format tag at a fixed
// offset (e.g. RIFF containers carry their subformat at byte 8, and MP4-family
// containers carry "ftyp" at byte 4).
type binarySignature []signaturePart

type signaturePart struct {
	offset int
	magic  []byte
}

func sig(magic string) binarySignature {
	return binarySignature{{0, []byte(magic)}}
}

var binarySignatures = []binarySignature{
	// images
	sig("\x89PNG\r\n\x1a\n"),
	sig("\xff\xd8\xff"), // JPEG
	sig("GIF87a"),
	sig("GIF89a"),
	sig("BM"),               // BMP
	sig("II*\x00"),          // TIFF (little-endian)
	sig("MM\x00*"),          // TIFF (big-endian)
	sig("\x00\x00\x01\x00"), // ICO
	{{0, []byte("RIFF")}, {8, []byte("WEBP")}},
	// archives and compression
	sig("PK\x03\x04"), // ZIP family (also jar, docx, ...)
	sig("PK\x05\x06"), // ZIP (empty archive)
	sig("PK\x07\x08"), // ZIP (spanned archive)
	sig("\x1f\x8b"),   // gzip
	sig("BZh"),        // bzip2
	sig("\xfd7zXZ\x00"),
	sig("7z\xbc\xaf\x27\x1c"),
	sig("Rar!\x1a\x07"),
	// executables
	sig("\x7fELF"),
	sig("MZ"), // PE
	sig("\xfe\xed\xfa\xce"), sig("\xfe\xed\xfa\xcf"), // Mach-O 32/64-bit
	sig("\xce\xfa\xed\xfe"), sig("\xcf\xfa\xed\xfe"), // Mach-O, reverse byte order
	sig("\xca\xfe\xba\xbe"), // Mach-O fat binary / Java class
	sig("\x00asm"),          // WebAssembly
	// audio/video
	sig("ID3"),  // MP3 with ID3 tag
	sig("OggS"), // Ogg
	sig("fLaC"),
	{{0, []byte("RIFF")}, {8, []byte("WAVE")}},
	{{0, []byte("RIFF")}, {8, []byte("AVI ")}},
	{{4, []byte("ftyp")}}, // MP4/MOV family
	sig("\x1a\x45\xdf\xa3"), // Matroska/WebM
	// documents and databases
	sig("%PDF"),
	sig("SQLite format 3\x00"),
}

func matchesBinarySignature(contents []byte) bool {
	for _, s := range binarySignatures {
		if s.matches(contents) {
			return true
		}
	}
	return false
}

func (s binarySignature) matches(contents []byte) bool {
	for _, part := range s {
		end := part.offset + len(part.magic)
		if len(contents) < end {
			return false
		}
		if !bytes.Equal(contents[part.offset:end], part.magic) {
			return false
		}
	}
	return true
}

// nullByteScanLimit bounds how much content the null-byte heuristic looks at.
// Binary formats that make it past the signature table reveal themselves
// within the first few KiB in practice.
const nullByteScanLimit = 8192

func containsNullByte(contents []byte) bool {
	if len(contents) > nullByteScanLimit {
		contents = contents[:nullByteScanLimit]
	}
	return bytes.IndexByte(contents, 0) >= 0
}
