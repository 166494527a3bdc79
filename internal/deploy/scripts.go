package deploy

import (
	"fmt"
	"strconv"
	"strings"
)

// ServerScriptPath is where the rendered server program lives on the
// instance. The wipe list covers it.
const ServerScriptPath = "/root/model_server.py"

// ServerLogPath receives the server's combined output.
const ServerLogPath = "/root/model_server.log"

const serverPort = 8799

// scriptParams feed the server templates.
type scriptParams struct {
	ModelID  string
	GPUCount int
	Quantize bool
	Vision   bool
}

// The vllm engine reuses vllm's own OpenAI-compatible server; the rendered
// program just pins the listen address and model arguments.
const vllmLauncher = `import os
import sys

args = [
    sys.executable,
    "-m", "vllm.entrypoints.openai.api_server",
    "--host", "127.0.0.1",
    "--port", "__PORT__",
    "--model", "__MODEL_ID__",
    "--gpu-memory-utilization", "0.90",
    "--max-model-len", "4096",
    "--tensor-parallel-size", "__GPU_COUNT__",
]
if __QUANTIZE__:
    args += ["--quantization", "awq"]
os.execv(sys.executable, args)
`

// The transformers engine serves the same protocol itself. It binds loopback
// only; requests arrive through the SSH tunnel.
const transformersServer = `import json
import sys
import threading
from http.server import BaseHTTPRequestHandler, ThreadingHTTPServer

import torch
from transformers import AutoTokenizer, AutoModelForCausalLM, TextIteratorStreamer

MODEL_ID = "__MODEL_ID__"
PORT = __PORT__
VISION = __VISION__
QUANTIZE = __QUANTIZE__

print("Loading model %s..." % MODEL_ID, file=sys.stderr)

quantization_config = None
if QUANTIZE:
    from transformers import BitsAndBytesConfig
    quantization_config = BitsAndBytesConfig(
        load_in_4bit=True,
        bnb_4bit_compute_dtype=torch.float16,
    )

tokenizer = AutoTokenizer.from_pretrained(MODEL_ID)
processor = None
if VISION:
    from PIL import Image
    from transformers import AutoProcessor
    processor = AutoProcessor.from_pretrained(MODEL_ID)

model = AutoModelForCausalLM.from_pretrained(
    MODEL_ID,
    quantization_config=quantization_config,
    device_map="auto",
    torch_dtype=torch.float16,
)
model_lock = threading.Lock()
print("Model loaded successfully!", file=sys.stderr)


def render_prompt(messages):
    try:
        chat = [{"role": m.get("role", "user"), "content": m.get("content", "")} for m in messages]
        return tokenizer.apply_chat_template(chat, tokenize=False, add_generation_prompt=True)
    except Exception:
        lines = ["%s: %s" % (m.get("role", "user"), m.get("content", "")) for m in messages]
        lines.append("assistant:")
        return "\n".join(lines)


def load_image(messages):
    if not VISION:
        return None
    path = None
    for m in messages:
        if m.get("image_path"):
            path = m["image_path"]
    if path is None:
        return None
    return Image.open(path).convert("RGB")


def build_inputs(prompt, image):
    if image is not None:
        return processor(text=prompt, images=image, return_tensors="pt").to(model.device)
    return tokenizer(prompt, return_tensors="pt").to(model.device)


class Handler(BaseHTTPRequestHandler):
    def log_message(self, fmt, *args):
        pass

    def do_GET(self):
        if self.path != "/health":
            self.send_response(404)
            self.end_headers()
            return
        body = json.dumps({"status": "ok", "model": MODEL_ID}).encode()
        self.send_response(200)
        self.send_header("Content-Type", "application/json")
        self.send_header("Content-Length", str(len(body)))
        self.end_headers()
        self.wfile.write(body)

    def do_POST(self):
        if self.path != "/v1/chat/completions":
            self.send_response(404)
            self.end_headers()
            return
        try:
            length = int(self.headers.get("Content-Length", "0"))
            req = json.loads(self.rfile.read(length))
        except Exception as exc:
            self.send_error_json(400, str(exc))
            return

        messages = req.get("messages", [])
        max_tokens = int(req.get("max_tokens") or 512)
        temperature = float(req.get("temperature") or 0.7)

        try:
            image = load_image(messages)
            prompt = render_prompt(messages)
            with model_lock:
                if req.get("stream"):
                    self.stream_completion(prompt, image, max_tokens, temperature)
                else:
                    text = self.complete(prompt, image, max_tokens, temperature)
                    body = json.dumps({
                        "choices": [{
                            "message": {"role": "assistant", "content": text},
                            "finish_reason": "stop",
                        }],
                    }).encode()
                    self.send_response(200)
                    self.send_header("Content-Type", "application/json")
                    self.send_header("Content-Length", str(len(body)))
                    self.end_headers()
                    self.wfile.write(body)
        except Exception as exc:
            self.send_error_json(500, str(exc))

    def complete(self, prompt, image, max_tokens, temperature):
        inputs = build_inputs(prompt, image)
        with torch.no_grad():
            out = model.generate(
                **inputs,
                max_new_tokens=max_tokens,
                temperature=temperature,
                do_sample=temperature > 0,
                top_p=0.9,
            )
        prompt_len = inputs["input_ids"].shape[-1]
        return tokenizer.decode(out[0][prompt_len:], skip_special_tokens=True).strip()

    def stream_completion(self, prompt, image, max_tokens, temperature):
        inputs = build_inputs(prompt, image)
        streamer = TextIteratorStreamer(tokenizer, skip_prompt=True, skip_special_tokens=True)
        kwargs = dict(inputs)
        kwargs.update(
            streamer=streamer,
            max_new_tokens=max_tokens,
            temperature=temperature,
            do_sample=temperature > 0,
            top_p=0.9,
        )
        worker = threading.Thread(target=model.generate, kwargs=kwargs)
        worker.start()
        self.send_response(200)
        self.send_header("Content-Type", "text/event-stream")
        self.end_headers()
        try:
            for piece in streamer:
                if piece:
                    chunk = {"choices": [{"delta": {"content": piece}}]}
                    self.wfile.write(("data: " + json.dumps(chunk) + "\n\n").encode())
                    self.wfile.flush()
            done = {"choices": [{"delta": {}, "finish_reason": "stop"}]}
            self.wfile.write(("data: " + json.dumps(done) + "\n\n").encode())
            self.wfile.write(b"data: [DONE]\n\n")
            self.wfile.flush()
        finally:
            worker.join()

    def send_error_json(self, code, message):
        body = json.dumps({"error": {"message": message}}).encode()
        self.send_response(code)
        self.send_header("Content-Type", "application/json")
        self.send_header("Content-Length", str(len(body)))
        self.end_headers()
        self.wfile.write(body)


ThreadingHTTPServer(("127.0.0.1", PORT), Handler).serve_forever()
`

func renderServerScript(engine Engine, p scriptParams) string {
	tpl := transformersServer
	if engine == EngineVLLM {
		tpl = vllmLauncher
	}
	gpuCount := p.GPUCount
	if gpuCount < 1 {
		gpuCount = 1
	}
	r := strings.NewReplacer(
		"__MODEL_ID__", p.ModelID,
		"__PORT__", strconv.Itoa(serverPort),
		"__GPU_COUNT__", strconv.Itoa(gpuCount),
		"__QUANTIZE__", pyBool(p.Quantize),
		"__VISION__", pyBool(engine == EngineTransformers && p.Vision),
	)
	return r.Replace(tpl)
}

// writeScriptCommand delivers the rendered program over the existing shell
// channel. The quoted marker keeps the shell from expanding anything inside.
func writeScriptCommand(script string) string {
	if !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	return fmt.Sprintf("cat > %s <<'PODCHAT_MODEL_SERVER'\n%sPODCHAT_MODEL_SERVER", ServerScriptPath, script)
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
