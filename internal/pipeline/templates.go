package pipeline

// errorPageTemplate is the HTML body of every synthesized error response.
const errorPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Interceptor</title>
    <style>
        body {
            font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif;
            background-color: #f8f9fa;
            color: #333;
            margin: 0;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        .container {
            background-color: white;
            border-radius: 8px;
            box-shadow: 0 4px 12px rgba(0, 0, 0, 0.1);
            padding: 30px;
            max-width: 600px;
            text-align: center;
        }
        .status { font-size: 48px; color: #c0392b; margin: 0; }
        .message { font-size: 18px; line-height: 1.6; margin: 20px 0; color: #555; }
        .url {
            font-size: 14px;
            color: #777;
            word-break: break-all;
            padding: 10px;
            background-color: #f5f5f5;
            border-radius: 4px;
        }
    </style>
</head>
<body>
    <div class="container">
        <p class="status">%d</p>
        <div class="message">%s</div>
        <div class="url">%s</div>
    </div>
</body>
</html>`
