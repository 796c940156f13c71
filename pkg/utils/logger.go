package utils

// logger.go - структурированное логирование поверх zap.
//
// InitLogger собирает *zap.Logger по LogConfig: формат (json/console),
// уровень, вывод в файл или stderr, режим разработки. Поверх него также
// держится глобальный логгер пакета (GetGlobalLogger/SetGlobalLogger) для
// мест, куда Logger не протащить явно через конструктор.

import (
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig описывает желаемую конфигурацию логгера.
type LogConfig struct {
	Level       string // debug|info|warn|warning|error|fatal
	Format      string // json|text (console)
	Output      string // путь к файлу; пусто - stderr
	Development bool   // включает трассировку стеков на Warn+
}

// Logger оборачивает zap.Logger доменными полями-хелперами.
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// InitLogger создаёт логгер по конфигурации. Никогда не возвращает nil:
// при ошибке открытия файла вывода откатывается на stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.MessageKey = "message"

	var encoder zapcore.Encoder
	if cfg.Format == "text" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			sink = zapcore.AddSync(f)
		}
	}

	core := zapcore.NewCore(encoder, sink, level)

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(core, opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

func parseLevel(s string) zapcore.Level {
	if s == "warning" || s == "WARNING" {
		return zapcore.WarnLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// With возвращает дочерний логгер с дополнительными полями.
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

// WithComponent помечает логгер именем компонента (scanner, executor, ...).
func (l *Logger) WithComponent(name string) *Logger { return l.With(Component(name)) }

// WithExchange помечает логгер названием площадки.
func (l *Logger) WithExchange(name string) *Logger { return l.With(Exchange(name)) }

// WithSymbol помечает логгер торговым символом.
func (l *Logger) WithSymbol(symbol string) *Logger { return l.With(Symbol(symbol)) }

// WithPairID помечает логгер числовым идентификатором пары.
func (l *Logger) WithPairID(id int) *Logger { return l.With(PairID(id)) }

// Sugar возвращает SugaredLogger для форматированного логирования.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// ============================================================
// Глобальный логгер
// ============================================================

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// GetGlobalLogger возвращает глобальный логгер, создавая логгер по
// умолчанию при первом обращении.
func GetGlobalLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// L - короткий псевдоним для GetGlobalLogger, удобен в местах без DI.
func L() *Logger { return GetGlobalLogger() }

// InitGlobalLogger инициализирует и устанавливает глобальный логгер.
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный логгер (используется в тестах).
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// ============================================================
// Глобальные функции логирования поверх текущего глобального логгера
// ============================================================

func Debug(msg string, fields ...zap.Field) { GetGlobalLogger().Logger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetGlobalLogger().Logger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetGlobalLogger().Logger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetGlobalLogger().Logger.Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { GetGlobalLogger().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetGlobalLogger().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetGlobalLogger().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetGlobalLogger().sugar.Errorf(format, args...) }

// ============================================================
// Доменные конструкторы полей
// ============================================================

func Exchange(v string) zap.Field  { return zap.String("exchange", v) }
func Symbol(v string) zap.Field    { return zap.String("symbol", v) }
func PairID(v int) zap.Field       { return zap.Int("pair_id", v) }
func OrderID(v string) zap.Field   { return zap.String("order_id", v) }
func Price(v float64) zap.Field    { return zap.Float64("price", v) }
func Volume(v float64) zap.Field   { return zap.Float64("volume", v) }
func Spread(v float64) zap.Field   { return zap.Float64("spread", v) }
func PNL(v float64) zap.Field      { return zap.Float64("pnl", v) }
func Side(v string) zap.Field      { return zap.String("side", v) }
func State(v string) zap.Field     { return zap.String("state", v) }
func Latency(v float64) zap.Field  { return zap.Float64("latency_ms", v) }
func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func UserID(v int) zap.Field       { return zap.Int("user_id", v) }
func Component(v string) zap.Field { return zap.String("component", v) }

// Реэкспорт стандартных конструкторов zap, чтобы вызывающим не приходилось
// импортировать сам zap ради String/Int/Err и т.п.
func String(key, v string) zap.Field          { return zap.String(key, v) }
func Int(key string, v int) zap.Field         { return zap.Int(key, v) }
func Int64(key string, v int64) zap.Field     { return zap.Int64(key, v) }
func Float64(key string, v float64) zap.Field { return zap.Float64(key, v) }
func Bool(key string, v bool) zap.Field       { return zap.Bool(key, v) }
func Err(err error) zap.Field                 { return zap.Error(err) }
func Any(key string, v interface{}) zap.Field { return zap.Any(key, v) }

// fieldsToInterface разворачивает zap.Field в плоский key/value список в
// исходном порядке - нужен местам, работающим через SugaredLogger (Infow).
func fieldsToInterface(fields []zap.Field) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, fieldValue(f))
	}
	return out
}

func fieldValue(f zapcore.Field) interface{} {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.BoolType:
		return f.Integer == 1
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
		zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return f.Integer
	case zapcore.Float64Type:
		return math.Float64frombits(uint64(f.Integer))
	case zapcore.Float32Type:
		return float64(math.Float32frombits(uint32(f.Integer)))
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return err
		}
		return f.Interface
	default:
		return f.Interface
	}
}
