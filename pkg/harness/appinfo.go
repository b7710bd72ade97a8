// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package harness

// AppInfo holds static facts about the hosting application. It is built once
// at process start and handed unchanged to every callback.
type AppInfo struct {
	// Program is the host program name, used in log attributes.
	Program string `json:"program"`

	// ConfigFile is the configuration file the sections were read from.
	ConfigFile string `json:"config_file,omitempty"`

	ConfigDir  string `json:"config_dir"`
	DataDir    string `json:"data_dir"`
	StateDir   string `json:"state_dir"`
	RuntimeDir string `json:"runtime_dir"`
	PluginDir  string `json:"plugin_dir"`
}
