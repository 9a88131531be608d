package flow

import (
	"fmt"
	"strings"

	"github.com/zulandar/secretary/internal/invoice"
)

const (
	systemPrefix = "【システム】"
	errorPrefix  = "【エラー】"
)

// System prefixes a bot-originated notice.
func System(text string) string { return systemPrefix + text }

// Failure prefixes an error notice.
func Failure(text string) string { return errorPrefix + text }

// Fixed notices shared with the router.
var (
	MsgCanceled        = System("処理をキャンセルしました。最初からやり直してください😊")
	MsgUnexpected      = Failure("処理中に予期せぬエラーが発生しました💦")
	MsgAssistantFailed = "ごめんなさい、AIの処理中にエラーが発生してしまいました💦"
	MsgImageReceived   = System("レシート画像を認識しました！内容を読み取っています...⏳")
	MsgImageDeleted    = System("元画像を削除しました！🗑️")
	MsgImageDeleteErr  = System("画像の削除中にエラーが発生しました💦")
	MsgImageKept       = System("元画像を保持します。📂")
	MsgProcessing      = System("承知しました！請求書を作成しています...⏳")
	MsgPickProcessing  = System("個数を承知しました！請求書を作成しています...⏳")
	MsgDeletePrompt    = System("元画像を削除しますか？👇\n1: はい\n2: いいえ\n(関係ないメッセージを送るとそのままAIと会話できます)")
	MsgInvoiceDone     = System("請求書が完成しました！✨\nPDFファイルを送信します...")
	MsgPDFMissing      = System("スクリプトは成功しましたが、PDFが見つかりませんでした💦")
	MsgPickPDFMissing  = System("スクリプトは成功しましたが、ピック用のPDFが見つかりませんでした💦")
	MsgInvalidPrice    = System("エラー: 有効な数字を入力してください。")
	MsgInvalidQty      = System("エラー: 有効な数字（1以上）を入力してください。")
)

const (
	promptManualDest    = "指定請求書の作成を開始します！\n宛先を教えてください"
	promptManualContent = "内容を教えてください"
	promptManualPrice   = "金額（単価）を半角数字で教えてください"
	promptManualQty     = "個数を半角数字で教えてください"
	promptManualTax     = "税込みですか？税抜きですか？\n(1: 税込み / 2: 税抜き)\n(半角の 1 か 2 を送信してください)"
	promptReceiptImage  = "レシートの画像を送信してください📷"
	backPrefix          = "1つ前の項目に戻ります。\n"
)

func (e *Engine) cancelHint() string {
	return fmt.Sprintf("（やめる場合は「%s」と入力）", e.keywords.Cancel)
}

func (e *Engine) msgCannotGoBack() string {
	return System(fmt.Sprintf("これ以上戻れません。\nやめる場合は「%s」と入力してください", e.keywords.Cancel))
}

func (e *Engine) codeChoice() string {
	codes := e.dests.Codes()
	quoted := make([]string, len(codes))
	for i, c := range codes {
		quoted[i] = "「" + c + "」"
	}
	return strings.Join(quoted, "か")
}

func (e *Engine) promptPickDest() string {
	return fmt.Sprintf("ピック依頼の請求書を作成します！\n宛先を選択してください：\n\n%s\n\n（半角数字で%sを送信してください）",
		e.dests.Menu(), e.codeChoice())
}

func (e *Engine) promptPickQty() string {
	return fmt.Sprintf("ピック依頼の個数を教えてください！（半角数字のみ）\n単価: %s", invoice.FormatYen(e.pickUnitPrice))
}

func (e *Engine) msgInvalidChoice(codes []string) string {
	return System(fmt.Sprintf("エラー: %s を入力してください。\n%s", strings.Join(codes, " または "), e.cancelHint()))
}

func (e *Engine) msgInvalidPickQty() string {
	return System("エラー: 有効な数字（1以上の整数）を入力してください。\n" + e.cancelHint())
}

func (e *Engine) msgReceiptReminder() string {
	return System("レシートの画像を送信してください。\n" + e.cancelHint())
}

func (e *Engine) msgReceiptConfirm(r *invoice.Receipt) string {
	return System("以下の内容を読み取りました👇\n\n" + r.Summary() + "\n\nこの内容で請求書を作成しますか？\n1: はい\n2: いいえ")
}

func (e *Engine) msgManualHint() string {
	return fmt.Sprintf("「%s」と送信すると手入力で作成できます。", e.keywords.Manual)
}

func (e *Engine) msgReceiptParseFailed() string {
	return System("レシートの読み取りに失敗しました💦\n" + e.msgManualHint())
}

func (e *Engine) msgReceiptDeclined() string {
	return System("承知しました。請求書の作成を中止します。\n" + e.msgManualHint())
}

func msgManualDone(dest string) string {
	return System(fmt.Sprintf("%s御中 の請求書が完成しました！✨\nPDFファイルを送信します...", dest))
}

func msgPickDone(d invoice.Destination, qty int) string {
	return System(fmt.Sprintf("%s宛 (%d個) の請求書が完成しました！✨\nPDFファイルを送信します...", d.Short, qty))
}

func msgJobFailed(label, detail string) string {
	if detail == "" {
		return Failure(label + "の作成に失敗しました💦")
	}
	return Failure(label + "の作成に失敗しました💦\n" + detail)
}
