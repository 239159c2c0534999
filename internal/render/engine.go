package render

import (
	"context"
	"fmt"
)

// Engine opens isolated rendering sessions. Sessions are never shared
// between concurrent renders.
type Engine interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session renders a single document to image bytes.
type Session interface {
	Capture(ctx context.Context, document string, width int) ([]byte, error)
	Close() error
}

const documentShell = `<!DOCTYPE html>
<html><head><meta charset="utf-8">
<meta http-equiv="Content-Security-Policy" content="script-src 'none'; object-src 'none'">
<meta name="viewport" content="width=%d, initial-scale=1">
<style>
html,body{margin:0;padding:0;background:#ffffff}
body{width:%dpx}
img,table{max-width:100%% !important}
img{height:auto}
</style></head>
<body>%s</body></html>`

// WrapDocument embeds an email body in a fixed-width page that cannot run
// scripts.
func WrapDocument(body string, width int) string {
	return fmt.Sprintf(documentShell, width, width, body)
}
