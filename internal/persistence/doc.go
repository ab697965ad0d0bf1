// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package persistence keeps the per-mode target temperatures across
// restarts. Backends: a JSON file, a redis hash, or nothing.
package persistence
