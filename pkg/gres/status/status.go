/*
Copyright 2024 The ClusterSched Authors.

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

// Package status mirrors the code+reasons status pattern used by
// Kubernetes scheduler framework plugins (framework.Status), without
// depending on the scheduler framework itself: this domain has no
// pods, nodes, or CRDs for that framework to operate on.
package status

import "strings"

// Code classifies the outcome of a filter or selection call.
type Code int

const (
	// Success indicates the call completed normally.
	Success Code = iota
	// InvalidGRES indicates a request's shape could not be honored
	// (e.g. a shared per-job/per-socket request, which this core does
	// not support, a shared request that its devices cannot satisfy, or
	// a request with no counter set).
	InvalidGRES
	// NodeNotAvailable indicates a node was rejected by the
	// feasibility filter, or that a job-wide counter could not be
	// satisfied even after the pass-2 rescue.
	NodeNotAvailable
	// Error indicates a generic or internal-invariant failure.
	Error
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case InvalidGRES:
		return "InvalidGRES"
	case NodeNotAvailable:
		return "NodeNotAvailable"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Status is the outcome of a core operation: a code plus zero or more
// human-readable reasons.
type Status struct {
	code    Code
	reasons []string
}

// NewStatus builds a Status with the given code and reasons.
func NewStatus(code Code, reasons ...string) *Status {
	return &Status{code: code, reasons: reasons}
}

// Code returns the status code.
func (s *Status) Code() Code {
	if s == nil {
		return Success
	}
	return s.code
}

// Reasons returns the attached human-readable reasons, if any.
func (s *Status) Reasons() []string {
	if s == nil {
		return nil
	}
	return s.reasons
}

// IsSuccess reports whether this status represents success. A nil
// Status is treated as success.
func (s *Status) IsSuccess() bool {
	return s == nil || s.code == Success
}

// AsError converts a non-success Status into an error, or nil if the
// status is successful.
func (s *Status) AsError() error {
	if s.IsSuccess() {
		return nil
	}
	if len(s.reasons) == 0 {
		return &statusError{code: s.code}
	}
	return &statusError{code: s.code, msg: strings.Join(s.reasons, "; ")}
}

func (s *Status) String() string {
	if s.IsSuccess() {
		return "Success"
	}
	if len(s.reasons) == 0 {
		return s.code.String()
	}
	return s.code.String() + ": " + strings.Join(s.reasons, "; ")
}

type statusError struct {
	code Code
	msg  string
}

func (e *statusError) Error() string {
	if e.msg == "" {
		return e.code.String()
	}
	return e.code.String() + ": " + e.msg
}
