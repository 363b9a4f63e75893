package saga

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Synthetic record kinds sent to a LogSink next to the event log kinds.
const (
	RecordDone  Kind = "done"
	RecordError Kind = "error"
)

// LogRecord is one observation handed to a LogSink. Event is set for event
// log kinds, Duration for done records and Err for error records.
type LogRecord struct {
	Kind     Kind
	Event    EventLog
	Duration time.Duration
	Err      error
}

func eventRecord(l EventLog) LogRecord {
	return LogRecord{Kind: l.Kind, Event: l}
}

func doneRecord(d time.Duration) LogRecord {
	return LogRecord{Kind: RecordDone, Duration: d}
}

func errorRecord(err error) LogRecord {
	return LogRecord{Kind: RecordError, Err: err}
}

// LogSink observes everything a saga does. It has no effect on control flow
// and must not block.
type LogSink func(sagaName, id string, rec LogRecord)

func nopSink(string, string, LogRecord) {}

// NewZapSink returns a LogSink writing structured records to logger.
// Precall, call and inverse entries are logged at debug level, failures and
// rollbacks at error level.
func NewZapSink(logger *zap.Logger) LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("module", "saga"))

	return func(sagaName, id string, rec LogRecord) {
		fields := []zap.Field{
			zap.String("type", string(rec.Kind)),
			zap.String("sagaName", sagaName),
			zap.String("id", id),
		}
		level := zapcore.DebugLevel
		l := rec.Event

		switch rec.Kind {
		case KindPrecall, KindInverse:
			fields = append(fields, zap.String("effectName", l.Name), zap.Int("stepIndex", l.StepIndex))
		case KindCall:
			fields = append(fields,
				zap.String("effectName", l.Name),
				zap.Int("stepIndex", l.StepIndex),
				zap.Any("arg", l.Arg),
				zap.Any("ret", l.Ret),
			)
		case KindEx:
			level = zapcore.ErrorLevel
			fields = append(fields, zap.String("effectName", l.Name), zap.Int("stepIndex", l.StepIndex), zap.Error(l.Err))
		case KindRollback:
			level = zapcore.ErrorLevel
			fields = append(fields, zap.Ints("inverseIndexes", l.InverseIndexes), zap.Error(l.Err))
		case KindSkip:
			if l.Err != nil {
				level = zapcore.WarnLevel
				fields = append(fields, zap.Error(l.Err))
			} else {
				level = zapcore.InfoLevel
				fields = append(fields, zap.String("msg", l.Msg))
			}
		case RecordDone:
			level = zapcore.InfoLevel
			fields = append(fields, zap.Duration("duration", rec.Duration))
		case RecordError:
			level = zapcore.ErrorLevel
			fields = append(fields, zap.Error(rec.Err))
		}

		logger.Log(level, "saga "+string(rec.Kind), fields...)
	}
}
