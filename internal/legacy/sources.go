package legacy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// FileSource projects a whole file's contents as one value, the way
// DirDefaultWriteFile does in the original engine. Paths are NFC-
// normalized before use, the same way the teacher normalizes item names
// that come from a filesystem walk.
type FileSource struct {
	Path string
}

func (f FileSource) normalizedPath() string {
	return norm.NFC.String(filepath.Clean(f.Path))
}

func (f FileSource) Read(_ context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(f.normalizedPath())
	if os.IsNotExist(err) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("legacy: reading %s: %w", f.Path, err)
	}

	return data, true, nil
}

func (f FileSource) Write(_ context.Context, data []byte) error {
	path := f.normalizedPath()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("legacy: creating parent dir for %s: %w", f.Path, err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("legacy: writing %s: %w", f.Path, err)
	}

	return nil
}

// IniSource projects a single `key=value` line from an INI-style file
// under [Section] as one value (RegDefaultWrite*'s file-backed sibling in
// spec §4.8).
type IniSource struct {
	Path    string
	Section string
	Key     string
}

func (i IniSource) Read(_ context.Context) ([]byte, bool, error) {
	f, err := os.Open(i.Path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("legacy: opening %s: %w", i.Path, err)
	}
	defer f.Close()

	section := ""

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}

		if section != i.Section {
			continue
		}

		k, v, found := strings.Cut(line, "=")
		if !found || strings.TrimSpace(k) != i.Key {
			continue
		}

		return []byte(strings.TrimSpace(v)), true, nil
	}

	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("legacy: scanning %s: %w", i.Path, err)
	}

	return nil, false, nil
}

// Write rewrites the file with Key set to data under Section, preserving
// every other line, appending the section/key if it did not already
// exist.
func (i IniSource) Write(_ context.Context, data []byte) error {
	existing, err := os.ReadFile(i.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("legacy: reading %s: %w", i.Path, err)
	}

	var out bytes.Buffer

	section := ""
	wrote := false
	hasSection := false

	scanner := bufio.NewScanner(bytes.NewReader(existing))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			if section == i.Section && !wrote {
				fmt.Fprintf(&out, "%s=%s\n", i.Key, data)
				wrote = true
			}

			section = strings.TrimSuffix(strings.TrimPrefix(trimmed, "["), "]")
			if section == i.Section {
				hasSection = true
			}

			out.WriteString(line + "\n")

			continue
		}

		if section == i.Section {
			k, _, found := strings.Cut(trimmed, "=")
			if found && strings.TrimSpace(k) == i.Key {
				fmt.Fprintf(&out, "%s=%s\n", i.Key, data)
				wrote = true

				continue
			}
		}

		out.WriteString(line + "\n")
	}

	if !wrote {
		if !hasSection {
			fmt.Fprintf(&out, "[%s]\n", i.Section)
		}

		fmt.Fprintf(&out, "%s=%s\n", i.Key, data)
	}

	if err := os.MkdirAll(filepath.Dir(i.Path), 0o700); err != nil {
		return fmt.Errorf("legacy: creating parent dir for %s: %w", i.Path, err)
	}

	if err := os.WriteFile(i.Path, out.Bytes(), 0o600); err != nil {
		return fmt.Errorf("legacy: writing %s: %w", i.Path, err)
	}

	return nil
}

// RegistryBackend abstracts the platform registry so the adapter stays
// portable; a concrete Windows implementation would back this with
// golang.org/x/sys/windows/registry. No such implementation ships here —
// this process targets the cross-platform filesystem case, and a registry
// key is simply a Source that has none available (spec §1's machine-local,
// platform-agnostic framing).
type RegistryBackend interface {
	ReadValue(key, name string) ([]byte, bool, error)
	WriteValue(key, name string, data []byte) error
}

// RegistrySource projects one platform-registry value through a
// RegistryBackend (RegDefaultWrite*'s registry-backed sibling in spec §4.8).
type RegistrySource struct {
	Backend RegistryBackend
	Key     string
	Name    string
}

func (r RegistrySource) Read(_ context.Context) ([]byte, bool, error) {
	return r.Backend.ReadValue(r.Key, r.Name)
}

func (r RegistrySource) Write(_ context.Context, data []byte) error {
	return r.Backend.WriteValue(r.Key, r.Name, data)
}
