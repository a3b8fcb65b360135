/*
Copyright 2024 The Bootnode Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrFleetNotFound is returned when a fleet id is not known to any cluster.
	ErrFleetNotFound = errors.New("fleet not found")

	// ErrFleetExists is returned when creating a fleet whose id is already registered.
	ErrFleetExists = errors.New("fleet already exists")

	// ErrReleaseNotFound is returned when helm reports an unknown release.
	ErrReleaseNotFound = errors.New("helm release not found")

	// ErrNetworkNotFound is returned when a tenant network id is unknown.
	ErrNetworkNotFound = errors.New("network not found")

	// ErrSubscriptionNotFound is returned when no subscription row exists for a project.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidSignature is returned for webhook payloads whose HMAC does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrLockNotAcquired is returned when another worker holds the sync lock.
	ErrLockNotAcquired = errors.New("sync lock held by another worker")
)

// CommandError is the normalized failure of a helm/kubectl/doctl invocation.
// Raw subprocess details stay inside this type and never leak to HTTP clients.
type CommandError struct {
	Message  string
	Stderr   string
	ExitCode int
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s (exit %d)", e.Message, e.Stderr, e.ExitCode)
	}
	return fmt.Sprintf("%s (exit %d)", e.Message, e.ExitCode)
}

// NewCommandError builds a CommandError from an exit status and captured stderr.
func NewCommandError(message, stderr string, exitCode int) *CommandError {
	return &CommandError{Message: message, Stderr: stderr, ExitCode: exitCode}
}
