/*
Package inference polls the model services (LLM, TTS, STT) on GPU
nodes over HTTP and escalates sustained outages: two consecutive
all-down cycles degrade the node and issue a provider reboot, and a
node still fully down ten minutes after the reboot is marked failed.
A single healthy service resets the strike counter.
*/
package inference
