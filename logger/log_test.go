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

package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNamedLoggerEnabledLevels(t *testing.T) {
	config := Config{
		Level:  "warn",
		Format: "console",
	}
	loggerName := "test-udfc-logger-levels"
	err := config.Configure()
	require.NoError(t, err)

	testLogger, err := GetLogger(loggerName)
	require.NoError(t, err)
	testLogger.Infof("testing logging")
	testLogger.Warnf("WARN testing logging %s", "args")
	testLogger.Warn("msg 1", "msg 2")

	// uses the globally configured level by default
	require.False(t, testLogger.logger.Core().Enabled(zap.DebugLevel))
	require.False(t, testLogger.logger.Core().Enabled(zap.InfoLevel))
	require.True(t, testLogger.logger.Core().Enabled(zap.WarnLevel))

	sameLogger, err := GetLogger(loggerName)
	require.NoError(t, err)
	require.Same(t, testLogger, sameLogger)

	// an explicit level gets its own logger
	errorLogger, err := GetLoggerWithLevel(loggerName, zap.ErrorLevel)
	require.NoError(t, err)
	require.NotSame(t, testLogger, errorLogger)
	require.False(t, errorLogger.Enabled(zap.WarnLevel))
	require.True(t, errorLogger.Enabled(zap.ErrorLevel))
	require.True(t, testLogger.Enabled(zap.WarnLevel))
	again, err := GetLoggerWithLevel(loggerName, zap.ErrorLevel)
	require.NoError(t, err)
	require.Same(t, errorLogger, again)
}

func TestLoggerWithLevelName(t *testing.T) {
	config := Config{
		Level:  "info",
		Format: "console",
	}
	require.NoError(t, config.Configure())

	l, err := GetLoggerWithLevelName("test-udfc-logger-by-name", "warn")
	require.NoError(t, err)
	require.False(t, l.Enabled(zap.InfoLevel))
	require.True(t, l.Enabled(zap.WarnLevel))

	// empty uses the global level
	l, err = GetLoggerWithLevelName("test-udfc-logger-by-name", "")
	require.NoError(t, err)
	require.True(t, l.Enabled(zap.InfoLevel))
	require.False(t, l.Enabled(zap.DebugLevel))

	// a level below the global level does not lower it
	l, err = GetLoggerWithLevelName("test-udfc-logger-by-name", "debug")
	require.NoError(t, err)
	require.False(t, l.Enabled(zap.DebugLevel))

	_, err = GetLoggerWithLevelName("test-udfc-logger-by-name", "loud")
	require.Error(t, err)
}

func TestNamedLoggerIncreasedLevel(t *testing.T) {
	config := Config{
		Level:  "debug",
		Format: "json",
	}
	require.NoError(t, config.Configure())

	l, err := GetLoggerWithLevel("test-udfc-logger-error-only", zap.ErrorLevel)
	require.NoError(t, err)
	require.False(t, l.logger.Core().Enabled(zap.WarnLevel))
	require.True(t, l.logger.Core().Enabled(zap.ErrorLevel))
}

func TestNamedLogger(t *testing.T) {
	config := Config{
		Level:  "debug",
		Format: "console",
	}
	require.NoError(t, config.Configure())
	require.True(t, DebugEnabled)

	testLogger, err := GetLogger("test-udfc-logger")
	require.NoError(t, err)

	testLogger.Debug("debug 1", " debug 2")
	testLogger.Debugf("debug %d debug %d", 1, 2)
	testLogger.Info("info 1", " info 2")
	testLogger.Infof("info %d info %d", 1, 2)
	testLogger.Warn("warn 1", " warn 2")
	testLogger.Warnf("warn %d warn %d", 1, 2)
	testLogger.Error("error 1", " error 2")
	testLogger.Errorf("error %d error %d", 1, 2)
}

func TestInvalidConfig(t *testing.T) {
	config := Config{
		Level:  "loud",
		Format: "console",
	}
	require.Error(t, config.Configure())

	config = Config{
		Level:  "info",
		Format: "xml",
	}
	require.Error(t, config.Configure())
}
