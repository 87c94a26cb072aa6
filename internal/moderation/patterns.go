package moderation

import (
	"bufio"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

//go:embed patterns/*.regex
var embedded embed.FS

// Pattern files, read in this order.
var patternFiles = []string{
	"profanity_base.regex",
	"profanity_evasion.regex",
}

// allowFile lists ordinary words that contain a blocked form. It is optional.
const allowFile = "allowlist.regex"

// neverMatch is used when no usable pattern set could be loaded.
var neverMatch = regexp.MustCompile(`[^\s\S]`)

// errNoPatterns is returned when the files exist but contain no patterns.
var errNoPatterns = errors.New("moderation: pattern set is empty")

// LoadPatterns reads the pattern files from dir, or from the embedded set
// when dir is empty, and compiles them into one case-insensitive
// alternation. A missing file is skipped and reported in the returned error
// alongside a usable pattern; a nil pattern means nothing could be loaded.
func LoadPatterns(dir string) (*regexp.Regexp, error) {
	fsys, err := patternFS(dir)
	if err != nil {
		return nil, err
	}

	var (
		parts   []string
		missing []error
	)
	for _, name := range patternFiles {
		lines, err := readPatternFile(fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, lines...)
	}

	re, err := compilePatterns(parts)
	if err != nil {
		return nil, errors.Join(append(missing, err)...)
	}
	return re, errors.Join(missing...)
}

// LoadAllowlist compiles the allowlist from dir, or from the embedded set
// when dir is empty. A missing or empty allowlist yields nil.
func LoadAllowlist(dir string) (*regexp.Regexp, error) {
	fsys, err := patternFS(dir)
	if err != nil {
		return nil, err
	}
	lines, err := readPatternFile(fsys, allowFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return compilePatterns(lines)
}

func patternFS(dir string) (fs.FS, error) {
	if dir != "" {
		return os.DirFS(dir), nil
	}
	sub, err := fs.Sub(embedded, "patterns")
	if err != nil {
		return nil, fmt.Errorf("moderation: open embedded patterns: %w", err)
	}
	return sub, nil
}

func readPatternFile(fsys fs.FS, name string) ([]string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("moderation: open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if skipLine(line) {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("moderation: read %s: %w", name, err)
	}
	return out, nil
}

// skipLine reports blank lines, comments and separator rows.
func skipLine(line string) bool {
	if line == "" || strings.HasPrefix(line, "#") {
		return true
	}
	return strings.HasPrefix(line, "===") && strings.Trim(line, "=") == ""
}

func compilePatterns(parts []string) (*regexp.Regexp, error) {
	if len(parts) == 0 {
		return nil, errNoPatterns
	}
	var b strings.Builder
	b.WriteString("(?i)")
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString("(?:")
		b.WriteString(p)
		b.WriteByte(')')
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("moderation: compile patterns: %w", err)
	}
	return re, nil
}
