// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd holds implementations of the kernsim commands.
package cmd

import (
	"fmt"

	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/boot"
	"github.com/Atmosphere-NX/Atmosphere-sub031/kernsim/config"
)

// loadBoard returns the board conf names, or the built-in board.
func loadBoard(conf *config.Config) (*config.Board, error) {
	if conf.Board == "" {
		return config.DefaultBoard(), nil
	}
	b, err := config.LoadBoard(conf.Board)
	if err != nil {
		return nil, fmt.Errorf("loading board %q: %w", conf.Board, err)
	}
	return b, nil
}

// bootMachine boots a machine from conf. The caller must release it.
func bootMachine(conf *config.Config) (*boot.Machine, error) {
	b, err := loadBoard(conf)
	if err != nil {
		return nil, err
	}
	m, err := boot.New(conf, b)
	if err != nil {
		return nil, fmt.Errorf("booting: %w", err)
	}
	return m, nil
}
