package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// configDir 由外部通过 SetConfigDir 指定，优先级最高
var configDir string

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
}

// SetConfigDir 设置配置文件目录（用于 --config 命令行参数）
func SetConfigDir(dir string) {
	configDir = dir
}

// configPathsForEnv 根据环境返回配置文件搜索路径
func configPathsForEnv(env Environment) []string {
	if env == EnvProduction {
		return []string{"/etc/launch-agent"}
	}
	return configPaths
}

// effectiveConfigPaths 返回实际搜索路径
//
// 优先级：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径
func effectiveConfigPaths() []string {
	if configDir != "" {
		return []string{configDir}
	}
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return []string{dir}
	}
	return configPathsForEnv(parseEnv(getEnv("APP_ENV", "dev")))
}

// loadEnvFiles 加载 .env 文件
//
// 先加载 .env（可能设置 APP_ENV），再加载 dev/test 的 .env.{env}。
// 生产环境不搜索 .env.{env}（凭据由 systemd EnvironmentFile 注入）。
// godotenv.Load 不覆盖已有环境变量。
func loadEnvFiles() {
	dirs := []string{"."}
	if configDir != "" {
		dirs = append([]string{configDir}, dirs...)
	}
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	if env == EnvProduction {
		return
	}
	name := fmt.Sprintf(".env.%s", env)
	for _, dir := range append(dirs, "..") {
		if err := godotenv.Load(filepath.Join(dir, name)); err == nil {
			break
		}
	}
}
