package config

import (
	"strconv"
	"strings"
)

// EnvOverrides picks the recognized keys out of a KEY=VALUE environment list,
// usually os.Environ().
func EnvOverrides(environ []string) map[string]string {
	known := make(map[string]bool, len(Keys))
	for _, k := range Keys {
		known[k] = true
	}
	out := map[string]string{}
	for _, kv := range environ {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		if k := kv[:i]; known[k] {
			out[k] = kv[i+1:]
		}
	}
	return out
}

// JobEnv returns the variables external jobs read from their environment.
func (c *RunConfig) JobEnv() []string {
	return []string{
		KeyOMPThreads + "=" + strconv.Itoa(c.OMPThreads),
		KeyBaseDir + "=" + c.BaseDir,
		KeyRunName + "=" + c.RunName,
	}
}
