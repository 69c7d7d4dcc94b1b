// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package config implements the runtime configuration store backing the
// CONFIGURE action: a file loaded with viper, watched for changes with
// fsnotify, with a callback fired on every reload.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// OnReload is invoked after the backing file is reloaded, with the new
// settings already in place.
type OnReload func(*Store)

// Store wraps a viper instance with change notification, grounded on
// pysdk/.../service/config_service.py's state_config, which is read by
// action_dispatcher.py's onConfigure to refresh per-execution settings
// without restarting the worker process.
type Store struct {
	v *viper.Viper

	mu       sync.RWMutex
	onReload OnReload
}

// Load reads path (any format viper supports: yaml, json, toml) into a new
// Store.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return &Store{v: v}, nil
}

// OnReload installs the callback fired after a successful reload.
func (s *Store) OnReload(cb OnReload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = cb
}

// Watch begins watching the backing file for changes, firing the
// registered OnReload callback after each one. It returns once watching is
// established. The watch runs for the life of the process: closing done
// does not stop it.
func (s *Store) Watch(done <-chan struct{}) error {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.mu.RLock()
		cb := s.onReload
		s.mu.RUnlock()
		if cb != nil {
			cb(s)
		}
	})
	s.v.WatchConfig()
	go func() {
		<-done
	}()
	return nil
}

// Get returns the value for key, or nil if unset.
func (s *Store) Get(key string) any {
	return s.v.Get(key)
}

// GetString returns the string value for key.
func (s *Store) GetString(key string) string {
	return s.v.GetString(key)
}

// GetInt returns the int value for key.
func (s *Store) GetInt(key string) int {
	return s.v.GetInt(key)
}

// GetBool returns the bool value for key.
func (s *Store) GetBool(key string) bool {
	return s.v.GetBool(key)
}

// Unmarshal decodes the entire config into out, matching viper's usual
// struct-binding idiom.
func (s *Store) Unmarshal(out any) error {
	if err := s.v.Unmarshal(out); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	return nil
}
