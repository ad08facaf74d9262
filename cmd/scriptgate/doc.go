// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Scriptgate protects Roblox scripts behind opaque links and manages them
through a Telegram bot.

A script sent to the bot is stored under a random token. The bot replies with
a loadstring snippet that fetches the script from /s/<token>. The script is
only served to clients identifying themselves as the Roblox runtime; every
other fetch is refused and recorded in the activity trail.

# Usage

	$ scriptgate [flags...]

Every flag can be set with an environment variable named after it: -addr with
ADDR, -tg-token with TG_TOKEN and so on. Flags take precedence over the
environment. Variables can also be loaded from a dotenv file passed with
-env-file.

# Bot commands

	/start, /help, /مساعدة: Show the list of commands.
	/protect <code>, /حماية: Protect a script and get its loadstring.
	/mine, /قائمتي: List your scripts.
	/info <token>, /معلومات: Show a script of yours.
	/stats, /احصائيات: Show bot statistics.

In production mode (-prod) the bot receives updates through a webhook at
https://<host>/telegram. Both -host and -tg-secret are required there, and
requests without the matching secret header are rejected. Otherwise it long
polls the Bot API.

# HTTP API

	GET /s/{token}                        Serve a script to the Roblox runtime.
	GET /api/scripts/{token}              Same as /s/{token}.
	GET /api/scripts/{token}/details      Script with its owner.
	DELETE /api/scripts/{token}           Delete a script.
	GET /api/scripts/recent?limit=        Recently created scripts.
	GET /api/dashboard/stats              Dashboard statistics.
	GET /api/activity-logs?limit=         Recent activity.
	GET /api/users/{id}/activity-logs     Recent activity of one user.
	GET /api/users/count                  Number of users owning scripts.
	GET /api/bot/status                   Bot connection status.
	POST /api/bot/restart                 Reconnect the bot.
	GET /health                           Health checks.
	GET /metrics                          Prometheus metrics.
	GET /debug/log                        Recent log lines, streamed.

The dashboard API has no authentication. Run it behind a trusted proxy.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/scriptgate/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
