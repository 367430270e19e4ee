package rewrite

import (
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PatchMarker is the attribute that identifies the injected runtime patch.
const PatchMarker = "data-rewrite-proxy"

// The patch resolves dynamic URLs against the real target, not the page
// location, and routes them through the proxy.
const patchTemplate = `(function(){
var cfg=window.__REWRITE_PROXY__={target:__TARGET__,proxy:__PROXY__,params:__PARAMS__};
var skip=/^(#|javascript:|mailto:|tel:|data:|blob:|about:)/i;
var proxyHost=location.host;try{if(cfg.proxy){proxyHost=new URL(cfg.proxy).host;}}catch(e){}
function wrap(u){
if(u==null)return u;var s=String(u);
if(s===''||skip.test(s)||s.indexOf('/proxy?url=')===0)return s;
var abs;try{abs=new URL(s,cfg.target);}catch(e){return s;}
if(abs.protocol!=='http:'&&abs.protocol!=='https:')return s;
if(abs.host===proxyHost)return s;
return cfg.proxy+'/proxy?url='+encodeURIComponent(abs.href)+cfg.params;
}
cfg.wrap=wrap;
var of=window.fetch;
if(of){window.fetch=function(input,init){
if(typeof input==='string'||(typeof URL!=='undefined'&&input instanceof URL)){input=wrap(input);}
else if(input&&input.url){try{input=new Request(wrap(input.url),input);}catch(e){}}
return of.call(this,input,init);};}
if(window.XMLHttpRequest){var oo=XMLHttpRequest.prototype.open;
XMLHttpRequest.prototype.open=function(m,u){var a=Array.prototype.slice.call(arguments);a[1]=wrap(u);return oo.apply(this,a);};}
var wo=window.open;
if(wo){window.open=function(u){var a=Array.prototype.slice.call(arguments);if(u!=null)a[0]=wrap(u);return wo.apply(this,a);};}
['pushState','replaceState'].forEach(function(k){var h=history[k];if(!h)return;
history[k]=function(st,t,u){if(u==null)return h.call(this,st,t);return h.call(this,st,t,wrap(u));};});
function hook(C,p){if(!C||!C.prototype)return;var d=Object.getOwnPropertyDescriptor(C.prototype,p);if(!d||!d.set)return;
Object.defineProperty(C.prototype,p,{configurable:true,enumerable:d.enumerable,get:d.get,set:function(v){d.set.call(this,wrap(v));}});}
hook(window.HTMLScriptElement,'src');hook(window.HTMLImageElement,'src');hook(window.HTMLIFrameElement,'src');
hook(window.HTMLLinkElement,'href');hook(window.HTMLAnchorElement,'href');
var sa=Element.prototype.setAttribute;
Element.prototype.setAttribute=function(n,v){var k=String(n).toLowerCase();
if((k==='src'||k==='href'||k==='action')&&typeof v==='string'){v=wrap(v);}return sa.call(this,n,v);};
})();`

func patchScript(ctx Context) string {
	target, _ := json.Marshal(ctx.Target.String())
	proxy, _ := json.Marshal(ctx.ProxyOrigin)
	params, _ := json.Marshal(ctx.LinkParams)
	return strings.NewReplacer(
		"__TARGET__", string(target),
		"__PROXY__", string(proxy),
		"__PARAMS__", string(params),
	).Replace(patchTemplate)
}

// injectPatch adds the runtime patch once: at the end of <head>, else before
// <body>, else as the first node of the document.
func injectPatch(doc *html.Node, ctx Context) {
	if findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Script && hasAttr(n, PatchMarker) }) != nil {
		return
	}
	script := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: PatchMarker, Val: ""}},
	}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: patchScript(ctx)})

	if head := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Head }); head != nil {
		head.AppendChild(script)
		return
	}
	if body := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body }); body != nil && body.Parent != nil {
		body.Parent.InsertBefore(script, body)
		return
	}
	doc.InsertBefore(script, doc.FirstChild)
}
