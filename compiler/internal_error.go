// Copyright 2024 The Udfc Authors
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

package compiler

import (
	"github.com/google/uuid"
	"github.com/spirit-labs/udfc/errors"
	log "github.com/spirit-labs/udfc/logger"
)

// LogInternalError logs err under a random reference and returns an InternalError carrying only the reference.
func LogInternalError(err error) errors.UdfError {
	errRef := uuid.New().String()
	log.Errorf("internal error (reference %s) occurred %+v", errRef, err)
	return errors.NewInternalError(errRef)
}

// maybeConvertError passes user facing errors through. Internal code generation errors keep their code and get a
// logged reference, anything else becomes an InternalError.
func maybeConvertError(err error) error {
	var uerr errors.UdfError
	if !errors.As(err, &uerr) {
		return LogInternalError(err)
	}
	if uerr.Code == errors.InternalCodegenError {
		errRef := uuid.New().String()
		log.Errorf("internal code generation error (reference %s) occurred %+v", errRef, err)
		uerr.Msg = uerr.Msg + " - reference: " + errRef
		return uerr
	}
	return uerr
}
