package proxy

// caDownloadPage is served on the proxy's own address and on CAHost. The
// placeholders are the root's SHA-256 fingerprint and its expiry date.
const caDownloadPage = `<!DOCTYPE html>
<html>
<head>
    <title>Interceptor Root CA</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 900px;
            margin: 40px auto;
            padding: 20px;
            line-height: 1.6;
            color: #333;
            background: #f9f9f9;
        }
        .container {
            background: #fff;
            border-radius: 12px;
            padding: 30px;
            margin: 20px 0;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
        }
        h1 {
            color: #2c3e50;
            border-bottom: 2px solid #eee;
            padding-bottom: 15px;
            text-align: center;
        }
        h3 {
            color: #34495e;
            margin-top: 25px;
            border-bottom: 1px solid #eee;
        }
        .download-btn {
            display: inline-block;
            background: #4CAF50;
            color: white;
            padding: 15px 30px;
            text-decoration: none;
            border-radius: 8px;
            margin: 20px 0;
            font-weight: bold;
        }
        code {
            background: #f8f9fa;
            padding: 10px;
            border-radius: 4px;
            display: block;
            margin: 10px 0;
            font-family: 'Monaco', 'Consolas', monospace;
            overflow-x: auto;
        }
        .fingerprint {
            font-family: 'Monaco', 'Consolas', monospace;
            font-size: 12px;
            word-break: break-all;
        }
        .warning {
            background: #fff3cd;
            border-left: 4px solid #ffc107;
            padding: 15px;
            margin: 20px 0;
        }
    </style>
</head>
<body>
    <h1>Interceptor Root CA</h1>
    <div class="container">
        <p>Install and trust this certificate to let the proxy decrypt HTTPS traffic from this device.</p>
        <div style="text-align: center;">
            <a href="/rootCA.crt" class="download-btn">Download Root CA Certificate</a>
            <div style="font-size: 14px;"><a href="/rootCA.pem">PEM</a> | <a href="/rootCA.cer">CER</a></div>
        </div>
        <p>SHA-256 fingerprint:</p>
        <p class="fingerprint">%s</p>
        <p>Valid until %s.</p>
        <div class="warning">
            <strong>Security notice:</strong> anyone holding the matching private key can impersonate any site to
            a device that trusts this certificate. Remove it when you no longer need the proxy.
        </div>
    </div>
    <div class="container">
        <h3>macOS</h3>
        <code>sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain rootCA.crt</code>
        <h3>Linux (Debian/Ubuntu)</h3>
        <code>sudo cp rootCA.crt /usr/local/share/ca-certificates/interceptor-rootCA.crt<br>sudo update-ca-certificates</code>
        <h3>Windows</h3>
        <code>certutil -addstore -user Root rootCA.crt</code>
        <h3>Firefox</h3>
        <p>Settings &gt; Privacy &amp; Security &gt; Certificates &gt; View Certificates &gt; Authorities &gt; Import.</p>
    </div>
</body>
</html>`
