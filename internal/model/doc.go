// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// Messages come into existence through two paths: persisted rows carry a
// durable UUID assigned by the store, while optimistic placeholder rows
// carry a locally generated temporary identifier until the store confirms
// them. The MessageID type keeps the two distinguishable without string
// prefix sniffing at call sites.
package model
