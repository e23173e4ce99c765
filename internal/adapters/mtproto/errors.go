package mtproto

// Перевод ошибок MTProto в доменные типы. Сетевые сбои без RPC-кода получают
// искусственный код ERR_NETWORK и считаются временными.

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telegram-promoter/internal/domain/promo"
)

// classifySend переводит ошибку отправки/чтения в *promo.SendError.
// FLOOD_WAIT распознаётся первым, чтобы не потерять количество секунд.
func classifySend(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return promo.NewSendError(promo.KindFloodWait, promo.CodeFloodWait, int(wait.Seconds()), err)
	}
	rpc, ok := tgerr.As(err)
	if !ok {
		return promo.NewSendError(promo.KindTransient, "ERR_NETWORK", 0, err)
	}
	switch rpc.Type {
	case promo.CodeChannelPrivate, "CHANNEL_INVALID":
		return promo.NewSendError(promo.KindChannelPrivate, promo.CodeChannelPrivate, 0, err)
	case promo.CodeUserBanned:
		return promo.NewSendError(promo.KindUserBanned, promo.CodeUserBanned, 0, err)
	case promo.CodeWriteForbidden:
		return promo.NewSendError(promo.KindWriteForbidden, promo.CodeWriteForbidden, 0, err)
	}
	if promo.PermanentAccountCode(rpc.Type) {
		return promo.NewSendError(promo.KindTerminalAccount, rpc.Type, 0, err)
	}
	return promo.NewSendError(promo.KindTransient, rpc.Type, 0, err)
}

// classifyConnect переводит ошибку подключения. Невосстановимые коды
// (разлогин, бан номера) оборачиваются в *promo.AccountError, чтобы реестр
// мог навсегда исключить номер из ротации.
func classifyConnect(mobile string, err error) error {
	if err == nil {
		return nil
	}
	var acc *promo.AccountError
	if errors.As(err, &acc) {
		return err
	}
	if rpc, ok := tgerr.As(err); ok && promo.PermanentAccountCode(rpc.Type) {
		return promo.NewAccountError(mobile, rpc.Type, err)
	}
	return errors.Wrapf(err, "connect %s", mobile)
}
