package monitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Strobe Scheduler Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { background: #111; color: #ddd; font-family: monospace; margin: 16px; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1b1b1b; border: 1px solid #333; padding: 12px; }
        img { width: 100%; background: #000; }
        table { width: 100%; border-collapse: collapse; }
        td { padding: 2px 4px; border-bottom: 1px solid #2a2a2a; }
        td.v { text-align: right; }
        button { margin-right: 8px; }
    </style>
</head>
<body>
    <h1>Strobe Scheduler <span id="state">...</span></h1>
    <div class="grid">
        <div class="panel">
            <h2>Capture preview</h2>
            <img src="/stream" alt="preview">
        </div>
        <div class="panel">
            <h2>Timing</h2>
            <table id="stats"></table>
            <h2>Trace</h2>
            <button onclick="trace('start')">Start</button>
            <button onclick="trace('stop')">Stop</button>
            <span id="trace"></span>
        </div>
    </div>
<script>
const rows = [
    ['Ticks', s => s.clock.ticks],
    ['Resyncs', s => s.clock.resyncs],
    ['Drift (us)', s => (s.drift.cumulative_drift_ns / 1000).toFixed(1)],
    ['Refresh (Hz)', s => s.cycle.frame_rate_hz.toFixed(3)],
    ['Aligned (%)', s => s.alignment.aligned_pct.toFixed(1)],
    ['Jitter (ms)', s => s.alignment.jitter_ms.toFixed(3)],
    ['Discarded', s => s.skips.discarded],
    ['GPU backlog', s => s.skips.gpu_backlog],
    ['Presented', s => s.skips.presented],
    ['Triggers fired', s => s.triggers.fired],
    ['Triggers late', s => s.triggers.late],
    ['Triggers missed', s => s.triggers.missed],
    ['Frames delivered', s => s.frames_delivered],
    ['Mailbox overwritten', s => s.mailbox.overwritten],
];

function render(payload) {
    const s = payload.scheduler;
    document.getElementById('state').textContent = '(' + s.state + ')';
    document.getElementById('stats').innerHTML = rows
        .map(([k, f]) => '<tr><td>' + k + '</td><td class="v">' + f(s) + '</td></tr>').join('');
    if (payload.trace) {
        const t = payload.trace;
        document.getElementById('trace').textContent = t.recording
            ? t.filename + ' (' + t.event_count + ' events)' : 'idle';
    }
}

function trace(action) {
    fetch('/api/trace/' + action, {method: 'POST'});
}

const events = new EventSource('/api/status/stream');
events.onmessage = e => render(JSON.parse(e.data));
</script>
</body>
</html>
`
