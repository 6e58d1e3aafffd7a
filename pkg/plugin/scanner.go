package plugin

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog"
)

// capabilityPattern ties a source-level primitive to the permission a plugin
// must declare before using it.
type capabilityPattern struct {
	permission PermissionFlag
	primitive  string
	re         *regexp.Regexp
}

// capabilityPatterns is the primitive table the scanner matches line by
// line. Patterns are deliberately coarse: the scanner exists to catch
// honest mismatches between code and manifest, not to defeat obfuscation.
var capabilityPatterns = []capabilityPattern{
	{PermissionNetwork, "fetch", regexp.MustCompile(`\bfetch\s*\(`)},
	{PermissionNetwork, "XMLHttpRequest", regexp.MustCompile(`\bXMLHttpRequest\b`)},
	{PermissionNetwork, "WebSocket", regexp.MustCompile(`\bnew\s+WebSocket\b`)},
	{PermissionNetwork, "node:net", regexp.MustCompile(`(require\(|from\s+)['"](node:)?(net|http|https|dgram|tls)['"]`)},
	{PermissionNetwork, "http.request", regexp.MustCompile(`\bhttps?\.(request|get)\s*\(`)},
	{PermissionNetwork, "requests", regexp.MustCompile(`\brequests\.(get|post|put|delete|request)\s*\(`)},
	{PermissionNetwork, "urllib", regexp.MustCompile(`\burllib\.request\b`)},
	{PermissionNetwork, "socket", regexp.MustCompile(`\bsocket\.socket\s*\(`)},
	{PermissionNetwork, "net.Dial", regexp.MustCompile(`\bnet\.Dial(Timeout)?\s*\(`)},
	{PermissionNetwork, "http.Get", regexp.MustCompile(`\bhttp\.(Get|Post|PostForm|Head)\s*\(`)},
	{PermissionNetwork, "curl", regexp.MustCompile(`(^|[\s;&|])curl\s`)},
	{PermissionNetwork, "wget", regexp.MustCompile(`(^|[\s;&|])wget\s`)},

	{PermissionFSRead, "fs.readFile", regexp.MustCompile(`\breadFile(Sync)?\s*\(`)},
	{PermissionFSRead, "fs.createReadStream", regexp.MustCompile(`\bcreateReadStream\s*\(`)},
	{PermissionFSRead, "fs.readdir", regexp.MustCompile(`\breaddir(Sync)?\s*\(`)},
	{PermissionFSRead, "open(r)", regexp.MustCompile(`\bopen\s*\([^)]*['"]r[bt]?['"]`)},
	{PermissionFSRead, "os.ReadFile", regexp.MustCompile(`\bos\.ReadFile\s*\(`)},

	{PermissionFSWrite, "fs.writeFile", regexp.MustCompile(`\bwriteFile(Sync)?\s*\(`)},
	{PermissionFSWrite, "fs.appendFile", regexp.MustCompile(`\bappendFile(Sync)?\s*\(`)},
	{PermissionFSWrite, "fs.createWriteStream", regexp.MustCompile(`\bcreateWriteStream\s*\(`)},
	{PermissionFSWrite, "fs.mkdir", regexp.MustCompile(`\bmkdir(Sync)?\s*\(`)},
	{PermissionFSWrite, "open(w)", regexp.MustCompile(`\bopen\s*\([^)]*['"][wa][bt]?['"]`)},
	{PermissionFSWrite, "os.WriteFile", regexp.MustCompile(`\bos\.WriteFile\s*\(`)},

	{PermissionExec, "child_process", regexp.MustCompile(`(require\(|from\s+)['"](node:)?child_process['"]`)},
	{PermissionExec, "exec", regexp.MustCompile(`\bexec(Sync|File|FileSync)?\s*\(`)},
	{PermissionExec, "spawn", regexp.MustCompile(`\bspawn(Sync)?\s*\(`)},
	{PermissionExec, "subprocess", regexp.MustCompile(`\bsubprocess\.(run|call|Popen|check_output)\b`)},
	{PermissionExec, "os.system", regexp.MustCompile(`\bos\.system\s*\(`)},
	{PermissionExec, "exec.Command", regexp.MustCompile(`\bexec\.Command(Context)?\s*\(`)},
}

// scannableExtensions lists the source file types the scanner reads. Other
// files in dist (assets, JSON, sourcemaps) carry no executable primitives
// the table could match.
var scannableExtensions = map[string]bool{
	".js":  true,
	".mjs": true,
	".cjs": true,
	".ts":  true,
	".py":  true,
	".sh":  true,
	".go":  true,
}

// CapabilityScanner statically checks plugin sources against the manifest's
// declared permissions before any plugin code runs.
type CapabilityScanner struct {
	logger zerolog.Logger
	strict bool
}

// NewCapabilityScanner creates a capability scanner. In strict mode, fsRead
// findings are violations like the rest; otherwise they only log, since
// read-only primitives are the most common false positive source.
func NewCapabilityScanner(logger zerolog.Logger, strict bool) *CapabilityScanner {
	return &CapabilityScanner{
		logger: logger.With().Str("component", "capability-scanner").Logger(),
		strict: strict,
	}
}

// Scan walks the dist directory and matches every source line against the
// primitive table. Any primitive whose permission the manifest does not
// declare is a violation; the plugin fails with the full violation list.
func (s *CapabilityScanner) Scan(manifest *Manifest, distDir string) error {
	var violations []CapabilityViolation

	err := filepath.WalkDir(distDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !scannableExtensions[filepath.Ext(d.Name())] {
			return nil
		}

		rel, err := filepath.Rel(distDir, p)
		if err != nil {
			return err
		}

		found, err := s.scanFile(p, filepath.ToSlash(rel), manifest.Permissions)
		if err != nil {
			return err
		}
		violations = append(violations, found...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", manifest.Name, err)
	}

	if len(violations) > 0 {
		return &CapabilityMismatchError{
			Plugin:     manifest.Name,
			Violations: violations,
		}
	}

	s.logger.Debug().
		Str("plugin", manifest.Name).
		Msg("Capability scan passed")

	return nil
}

func (s *CapabilityScanner) scanFile(path, rel string, perms Permissions) ([]CapabilityViolation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var violations []CapabilityViolation
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, pat := range capabilityPatterns {
			if perms.Has(pat.permission) {
				continue
			}
			if !pat.re.MatchString(line) {
				continue
			}
			if pat.permission == PermissionFSRead && !s.strict {
				s.logger.Warn().
					Str("file", rel).
					Int("line", lineNo).
					Str("primitive", pat.primitive).
					Msg("Undeclared fsRead primitive (not enforced, strict checking disabled)")
				continue
			}
			violations = append(violations, CapabilityViolation{
				File:       rel,
				Line:       lineNo,
				Primitive:  pat.primitive,
				Permission: pat.permission,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	return violations, nil
}
