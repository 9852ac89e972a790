package plugin

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzScanDirectories_ManifestContent feeds arbitrary manifest content to the
// scanner. It must not panic and must only return manifests that validate.
func FuzzScanDirectories_ManifestContent(f *testing.F) {
	seeds := []string{
		"name: test\nversion: \"1.0\"\n",
		"name: \"\"\n",
		"{{{invalid yaml",
		"",
		"name: x\nhooks:\n  on_load: 1\n",
		"name: x\nhooks:\n  on_load: 70000\n",
		"name: x\nkind: executable\n",
		"name: x\nexecutable:\n  command: run\n  protocol_version: -1\n",
		"name: x\nmodule:\n  exec_timeout: forever\n",
		"name: x\nlodestone_version: \">= 1.0\"\n",
		"---\nname: multi-doc\n",
		"name: inject\nname: override\n",
		"name: \"../../etc\"\n",
		"name: \"test\\x00null\"\n",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, content string) {
		tmp := t.TempDir()
		pluginDir := filepath.Join(tmp, "fuzz-plugin")
		if err := os.MkdirAll(pluginDir, 0o755); err != nil {
			t.Skip("cannot create dir:", err)
		}
		if err := os.WriteFile(filepath.Join(pluginDir, ManifestFile), []byte(content), 0o644); err != nil {
			t.Skip("cannot write file:", err)
		}

		found, err := ScanDirectories([]string{tmp})
		if err != nil {
			return
		}
		for _, d := range found {
			if err := ValidateManifest(d.Manifest); err != nil {
				t.Errorf("scanner returned an invalid manifest: %v", err)
			}
		}
	})
}
