package api

import "net/http"

// serveDashboard renders a read-only operator view over /jobs, /dlq, and
// /metrics, generalized from a single-page vanilla-JS dashboard.
func (h *Handler) serveDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>pgflow</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; background: #f5f5f5; color: #333; }
        header { background: #2c3e50; color: white; padding: 1.5rem; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        h1 { font-size: 1.8rem; }
        .subtitle { color: #bdc3c7; font-size: 0.9rem; margin-top: 0.25rem; }
        .container { max-width: 1200px; margin: 2rem auto; padding: 0 1rem; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(220px, 1fr)); gap: 1rem; margin-bottom: 2rem; }
        .card { background: white; padding: 1.5rem; border-radius: 8px; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
        .card h2 { font-size: 1rem; color: #7f8c8d; margin-bottom: 0.5rem; text-transform: uppercase; font-weight: 600; }
        .card .value { font-size: 2rem; font-weight: bold; color: #2c3e50; }
        table { width: 100%; background: white; border-radius: 8px; overflow: hidden; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
        th, td { padding: 1rem; text-align: left; border-bottom: 1px solid #ecf0f1; }
        th { background: #34495e; color: white; font-weight: 600; }
        tr:last-child td { border-bottom: none; }
        .badge { display: inline-block; padding: 0.25rem 0.75rem; border-radius: 12px; font-size: 0.75rem; font-weight: 600; text-transform: uppercase; }
        .badge-queued { background: #fff3cd; color: #856404; }
        .badge-running { background: #cce5ff; color: #004085; }
        .badge-succeeded { background: #d4edda; color: #155724; }
        .badge-failed { background: #f8d7da; color: #721c24; }
        .badge-dlq { background: #f5c6cb; color: #491217; }
        .code { font-family: 'Courier New', monospace; background: #ecf0f1; padding: 0.25rem 0.5rem; border-radius: 3px; font-size: 0.85rem; }
        .refresh { float: right; background: #3498db; color: white; border: none; padding: 0.5rem 1rem; border-radius: 4px; cursor: pointer; }
        .refresh:hover { background: #2980b9; }
    </style>
</head>
<body>
    <header>
        <h1>pgflow</h1>
        <div class="subtitle">Job Queue Dashboard</div>
    </header>
    <div class="container">
        <button class="refresh" onclick="loadData()">Refresh</button>
        <h2 style="margin-bottom: 1rem; color: #2c3e50;">Metrics (default queue)</h2>
        <div class="grid" id="metrics"></div>

        <h2 style="margin: 2rem 0 1rem; color: #2c3e50;">Recent Jobs</h2>
        <table id="jobs">
            <thead>
                <tr><th>ID</th><th>Type</th><th>Queue</th><th>Status</th><th>Attempts</th><th>Created</th></tr>
            </thead>
            <tbody></tbody>
        </table>

        <h2 style="margin: 2rem 0 1rem; color: #2c3e50;">Dead Letter Queue</h2>
        <table id="dlq">
            <thead>
                <tr><th>ID</th><th>Type</th><th>Queue</th><th>Reason</th><th>Last Error</th></tr>
            </thead>
            <tbody></tbody>
        </table>
    </div>
    <script>
        async function loadData() {
            try {
                const [metricsRes, jobsRes, dlqRes] = await Promise.all([
                    fetch('/metrics?queue=default'),
                    fetch('/jobs?limit=20'),
                    fetch('/dlq?limit=20')
                ]);
                renderMetrics(await metricsRes.json());
                renderJobs(await jobsRes.json());
                renderDLQ(await dlqRes.json());
            } catch (err) {
                console.error('Failed to load dashboard data:', err);
            }
        }

        function renderMetrics(m) {
            const fields = [
                ['Queue depth', m.RunnableQueueDepth],
                ['Jobs/sec', m.JobsPerSec && m.JobsPerSec.toFixed(2)],
                ['Success rate', m.SuccessRate && (m.SuccessRate * 100).toFixed(1) + '%'],
                ['Retry rate', m.RetryRate && (m.RetryRate * 100).toFixed(1) + '%'],
                ['Mean latency (ms)', m.MeanLatencyMs && m.MeanLatencyMs.toFixed(1)],
            ];
            document.getElementById('metrics').innerHTML = fields.map(([label, value]) =>
                '<div class="card"><h2>' + label + '</h2><div class="value">' + (value ?? 0) + '</div></div>'
            ).join('');
        }

        function renderJobs(resp) {
            const jobs = resp.items || [];
            const tbody = document.querySelector('#jobs tbody');
            tbody.innerHTML = jobs.length ? jobs.map(j =>
                '<tr><td><span class="code">' + j.id.slice(0, 8) + '</span></td>' +
                '<td>' + j.job_type + '</td><td>' + j.queue + '</td>' +
                '<td><span class="badge badge-' + j.status + '">' + j.status + '</span></td>' +
                '<td>' + j.attempts_used + '/' + j.max_attempts + '</td>' +
                '<td>' + new Date(j.created_at).toLocaleString() + '</td></tr>'
            ).join('') : '<tr><td colspan="6" style="text-align:center; color:#7f8c8d;">No jobs found</td></tr>';
        }

        function renderDLQ(resp) {
            const jobs = resp.items || [];
            const tbody = document.querySelector('#dlq tbody');
            tbody.innerHTML = jobs.length ? jobs.map(j =>
                '<tr><td><span class="code">' + j.id.slice(0, 8) + '</span></td>' +
                '<td>' + j.job_type + '</td><td>' + j.queue + '</td>' +
                '<td>' + j.dlq_reason_code + '</td><td>' + (j.last_error_message || '') + '</td></tr>'
            ).join('') : '<tr><td colspan="5" style="text-align:center; color:#7f8c8d;">Empty</td></tr>';
        }

        loadData();
        setInterval(loadData, 5000);
    </script>
</body>
</html>`
