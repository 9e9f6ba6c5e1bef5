package service

// Shell written to the host. Each script is rendered with a Replacer over
// the __UPPER__ tokens before install.

// wrapperScript locates the service entrypoint inside the current bundle
// and execs it. The candidate list must stay in sync with
// entrypointCandidates in manager.go.
const wrapperScript = `#!/bin/sh
# project-host: run the managed service from the current bundle.
set -u

current="__CURRENT__"
env_file="__ENV_FILE__"

if [ -f "$env_file" ]; then
    set -a
    . "$env_file"
    set +a
fi

for rel in __CANDIDATES__; do
    if [ -x "$current/$rel" ]; then
        exec "$current/$rel" "$@"
    fi
done

echo "project-host: no entrypoint found under $current; rebuild and redeploy the project-host bundle" >&2
exit 1
`

// ctlScript drives the service through its daemon subcommands against a
// PID file.
const ctlScript = `#!/bin/sh
# project-hostctl start|stop|restart|status
set -u

wrapper="__WRAPPER__"
pid_file="__PID_FILE__"

running() {
    [ -f "$pid_file" ] || return 1
    pid=$(cat "$pid_file" 2>/dev/null) || return 1
    [ -n "$pid" ] && kill -0 "$pid" 2>/dev/null
}

case "${1:-}" in
    start)
        if running; then
            echo "project-host already running (pid $(cat "$pid_file"))"
            exit 0
        fi
        exec "$wrapper" daemon start
        ;;
    stop)
        "$wrapper" daemon stop || true
        if running; then
            kill "$(cat "$pid_file")" 2>/dev/null || true
        fi
        rm -f "$pid_file"
        ;;
    restart)
        "$0" stop
        exec "$0" start
        ;;
    status)
        if running; then
            echo "project-host running (pid $(cat "$pid_file"))"
            exit 0
        fi
        echo "project-host not running"
        exit 3
        ;;
    *)
        echo "usage: $0 start|stop|restart|status" >&2
        exit 2
        ;;
esac
`

// startupScript is the boot-time entry: it waits for the data filesystem,
// requests a best-effort storage growth, then starts the service. The
// mount wait is bounded; a host whose storage never appears fails here
// rather than starting the service against the wrong filesystem.
const startupScript = `#!/bin/sh
# project-host-startup: boot-time start with storage wait.
set -u

mountpoint="__MOUNTPOINT__"
resize_helper="__RESIZE_HELPER__"
ctl="__CTL__"

attempts=60
while [ "$attempts" -gt 0 ]; do
    if findmnt -n -- "$mountpoint" >/dev/null 2>&1; then
        break
    fi
    attempts=$((attempts - 1))
    sleep 5
done
if [ "$attempts" -eq 0 ]; then
    echo "project-host-startup: $mountpoint never mounted, giving up" >&2
    exit 1
fi

sudo -n "$resize_helper" >/dev/null 2>&1 || true

exec "$ctl" start
`

// logsScript tails the service log.
const logsScript = `#!/bin/sh
exec tail -n 200 -F "__LOG_FILE__"
`

// tunnelLogsScript tails the tunnel service journal.
const tunnelLogsScript = `#!/bin/sh
exec journalctl -u cloudflared -n 200 -f
`
