package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadDotEnv 加载 .env 文件
//
// 支持 KEY=VAL、export 前缀、单双引号和 # 注释；已存在的环境变量不会被覆盖。
// 文件不存在时返回 false。
func LoadDotEnv(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseDotEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return true, err
		}
	}
	return true, scanner.Err()
}

// LoadDotEnvFirst 依次尝试多个路径，加载第一个存在的文件
func LoadDotEnvFirst(paths ...string) (string, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		loaded, err := LoadDotEnv(p)
		if err != nil {
			return p, err
		}
		if loaded {
			return p, nil
		}
	}
	return "", nil
}

func parseDotEnvLine(raw string) (string, string, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
		return "", "", false
	}
	k, v, _ := strings.Cut(line, "=")
	k = strings.TrimSpace(k)
	if strings.HasPrefix(k, "export ") {
		k = strings.TrimSpace(strings.TrimPrefix(k, "export "))
	}
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
	}
	if k == "" {
		return "", "", false
	}
	return k, v, true
}
