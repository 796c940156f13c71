// Package alert определяет транспорт уведомлений об операционных
// событиях движка (критические сбои, открытие/закрытие позиций). Боевой
// транспорт (Telegram и т.п.) не входит в это приложение - предоставлена
// только реализация, логирующая уведомления через zap.
package alert

import (
	"context"

	"go.uber.org/zap"
)

// Severity - важность уведомления.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Sender отправляет уведомление вовне. Реализации не должны блокировать
// вызывающего дольше, чем необходимо - координатор и риск-менеджер
// вызывают Send синхронно из своих критических путей.
type Sender interface {
	Send(ctx context.Context, severity Severity, title, message string)
}

// LogSender - реализация Sender по умолчанию, пишущая уведомления в лог.
type LogSender struct {
	log *zap.Logger
}

// NewLogSender создаёт Sender, который только логирует уведомления.
func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, severity Severity, title, message string) {
	if s.log == nil {
		return
	}
	fields := []zap.Field{zap.String("title", title), zap.String("message", message)}
	switch severity {
	case SeverityCritical:
		s.log.Error("alert", fields...)
	case SeverityWarning:
		s.log.Warn("alert", fields...)
	default:
		s.log.Info("alert", fields...)
	}
}

var _ Sender = (*LogSender)(nil)
